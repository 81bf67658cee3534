package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "ibkr-trader/internal/errors"
	"ibkr-trader/internal/logging"
	"ibkr-trader/internal/models"
	"ibkr-trader/internal/performance"
)

// Client Portal market data field codes.
const (
	fieldLast    = "31"
	fieldBid     = "84"
	fieldAskSize = "85"
	fieldAsk     = "86"
	fieldVolume  = "87"
	fieldBidSize = "88"
	fieldDelta   = "7308"
	fieldGamma   = "7309"
	fieldTheta   = "7310"
	fieldVega    = "7311"
)

// GatewayConfig holds Client Portal Gateway connection settings.
type GatewayConfig struct {
	// BaseURL is the gateway root, e.g. https://localhost:5000.
	BaseURL string
	// AccountID selects the account; empty picks the first returned.
	AccountID string
	// KeepAlive is the session tickle and websocket ping interval.
	KeepAlive time.Duration
	// Currency is the account base currency reported in summaries.
	Currency string
}

// Gateway is a Client Portal Gateway client. REST calls go over HTTPS and
// market data streams over the gateway websocket.
type Gateway struct {
	handlers

	cfg     GatewayConfig
	httpc   *http.Client
	limiter *performance.RateLimiter
	logger  zerolog.Logger

	mu        sync.Mutex
	connected bool
	ws        *websocket.Conn
	done      chan struct{}
	conids    map[string]int64 // contract ID -> conid
	subs      map[string]models.Contract
	byConid   map[int64]models.Contract
}

// NewGateway creates a gateway client.
func NewGateway(cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	return &Gateway{
		cfg: cfg,
		httpc: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				// The local gateway serves a self-signed certificate.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		// Client Portal pacing: stay under 10 requests per second.
		limiter: performance.NewRateLimiter(10, 10),
		logger:  logging.WithComponent(logger, "gateway"),
		conids:  make(map[string]int64),
		subs:    make(map[string]models.Contract),
		byConid: make(map[int64]models.Contract),
	}
}

// Connect validates the session, resolves the account, and opens the
// streaming websocket.
func (g *Gateway) Connect(ctx context.Context) error {
	var accounts struct {
		Accounts []string `json:"accounts"`
	}
	if err := g.get(ctx, "/v1/api/iserver/accounts", &accounts); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err)
	}
	if g.cfg.AccountID == "" {
		if len(accounts.Accounts) == 0 {
			return fmt.Errorf("%w: no accounts in session", apperrors.ErrConnectionFailed)
		}
		g.cfg.AccountID = accounts.Accounts[0]
	}

	wsURL := strings.Replace(g.cfg.BaseURL, "https://", "wss://", 1) + "/v1/api/ws"
	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: websocket dial: %v", apperrors.ErrConnectionFailed, err)
	}

	g.mu.Lock()
	g.ws = ws
	g.connected = true
	g.done = make(chan struct{})
	g.mu.Unlock()

	go g.readLoop(ws)
	go g.keepAliveLoop(ws)

	g.logger.Info().Str("account", g.cfg.AccountID).Msg("gateway session established")
	g.emitConnect()
	return nil
}

// Disconnect closes the websocket and marks the session down.
func (g *Gateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil
	}
	g.connected = false
	close(g.done)
	return g.ws.Close()
}

// IsConnected reports whether the streaming session is up.
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// markLost flags the session down after a stream failure and notifies the
// connection manager.
func (g *Gateway) markLost(err error) {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return
	}
	g.connected = false
	close(g.done)
	g.ws.Close()
	g.mu.Unlock()

	g.emitDisconnect(err)
}

// AccountSummary fetches net liquidation, funds, and daily PnL.
func (g *Gateway) AccountSummary(ctx context.Context) (*models.AccountSummary, error) {
	var summary map[string]struct {
		Amount float64 `json:"amount"`
	}
	path := fmt.Sprintf("/v1/api/portfolio/%s/summary", g.cfg.AccountID)
	if err := g.get(ctx, path, &summary); err != nil {
		return nil, err
	}

	var pnl struct {
		UPNL map[string]struct {
			DPL float64 `json:"dpl"`
		} `json:"upnl"`
	}
	if err := g.get(ctx, "/v1/api/iserver/account/pnl/partitioned", &pnl); err != nil {
		return nil, err
	}

	out := &models.AccountSummary{
		AccountID: g.cfg.AccountID,
		Currency:  g.cfg.Currency,
		UpdatedAt: time.Now(),
	}
	out.NetLiquidation = summary["netliquidation"].Amount
	out.AvailableFunds = summary["availablefunds"].Amount
	out.BuyingPower = summary["buyingpower"].Amount
	for _, p := range pnl.UPNL {
		out.DailyPnL += p.DPL
	}
	return out, nil
}

// Positions fetches the open positions for the account.
func (g *Gateway) Positions(ctx context.Context) ([]models.Position, error) {
	var raw []struct {
		Conid         int64   `json:"conid"`
		ContractDesc  string  `json:"contractDesc"`
		Position      float64 `json:"position"`
		AvgCost       float64 `json:"avgCost"`
		MktPrice      float64 `json:"mktPrice"`
		UnrealizedPnL float64 `json:"unrealizedPnl"`
		AssetClass    string  `json:"assetClass"`
		Ticker        string  `json:"ticker"`
	}
	path := fmt.Sprintf("/v1/api/portfolio/%s/positions/0", g.cfg.AccountID)
	if err := g.get(ctx, path, &raw); err != nil {
		return nil, err
	}

	out := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		if p.Position == 0 {
			continue
		}
		contract, ok := g.contractForConid(p.Conid)
		if !ok {
			contract = models.Contract{
				Symbol:  p.Ticker,
				SecType: models.SecType(p.AssetClass),
			}
		}
		out = append(out, models.Position{
			Contract:     contract,
			Quantity:     int(p.Position),
			AveragePrice: p.AvgCost,
			MarketPrice:  p.MktPrice,
			PnL:          p.UnrealizedPnL,
		})
	}
	return out, nil
}

// OpenOrders fetches the live orders for the account.
func (g *Gateway) OpenOrders(ctx context.Context) ([]models.Order, error) {
	var raw struct {
		Orders []struct {
			OrderID      int64   `json:"orderId"`
			Conid        int64   `json:"conid"`
			Side         string  `json:"side"`
			OrderType    string  `json:"orderType"`
			Price        float64 `json:"price"`
			AuxPrice     float64 `json:"auxPrice,string"`
			TotalSize    float64 `json:"totalSize"`
			FilledQty    float64 `json:"filledQuantity"`
			RemainingQty float64 `json:"remainingQuantity"`
			Status       string  `json:"status"`
			Ticker       string  `json:"ticker"`
		} `json:"orders"`
	}
	if err := g.get(ctx, "/v1/api/iserver/account/orders", &raw); err != nil {
		return nil, err
	}

	out := make([]models.Order, 0, len(raw.Orders))
	for _, o := range raw.Orders {
		contract, _ := g.contractForConid(o.Conid)
		out = append(out, models.Order{
			ID:           o.OrderID,
			Contract:     contract,
			Side:         models.OrderSide(o.Side),
			Type:         models.OrderType(o.OrderType),
			Quantity:     int(o.TotalSize),
			LimitPrice:   o.Price,
			StopPrice:    o.AuxPrice,
			FilledQty:    int(o.FilledQty),
			RemainingQty: int(o.RemainingQty),
			Status:       mapOrderStatus(o.Status),
		})
	}
	return out, nil
}

// PlaceOrder submits an order and returns the gateway order ID.
func (g *Gateway) PlaceOrder(ctx context.Context, order *models.Order) (int64, error) {
	conid, err := g.resolveConid(ctx, order.Contract)
	if err != nil {
		return 0, err
	}

	body := map[string]any{
		"orders": []map[string]any{g.orderJSON(order, conid)},
	}

	var resp []struct {
		OrderID string   `json:"order_id"`
		ID      string   `json:"id"`
		Message []string `json:"message"`
	}
	path := fmt.Sprintf("/v1/api/iserver/account/%s/orders", g.cfg.AccountID)
	if err := g.post(ctx, path, body, &resp); err != nil {
		return 0, &apperrors.OrderError{
			Symbol: order.Contract.Symbol,
			Action: string(order.Side),
			Reason: "gateway rejected order",
			Err:    err,
		}
	}
	if len(resp) == 0 {
		return 0, fmt.Errorf("%w: empty order response", apperrors.ErrOrderRejected)
	}

	// The gateway may answer with a confirmation question instead of an
	// order ID. Reply yes once; live risk prompts are pre-acknowledged.
	if resp[0].OrderID == "" && resp[0].ID != "" {
		confirmPath := fmt.Sprintf("/v1/api/iserver/reply/%s", resp[0].ID)
		if err := g.post(ctx, confirmPath, map[string]any{"confirmed": true}, &resp); err != nil {
			return 0, err
		}
		if len(resp) == 0 || resp[0].OrderID == "" {
			return 0, fmt.Errorf("%w: order not confirmed", apperrors.ErrOrderRejected)
		}
	}

	id, err := strconv.ParseInt(resp[0].OrderID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing order id %q: %w", resp[0].OrderID, err)
	}
	order.ID = id
	order.Status = models.OrderStatusSubmitted
	return id, nil
}

func (g *Gateway) orderJSON(order *models.Order, conid int64) map[string]any {
	o := map[string]any{
		"acctId":    g.cfg.AccountID,
		"conid":     conid,
		"cOID":      order.ClientID,
		"orderType": string(order.Type),
		"side":      string(order.Side),
		"quantity":  order.Quantity,
		"tif":       order.TIF,
	}
	if order.LimitPrice > 0 {
		o["price"] = order.LimitPrice
	}
	if order.StopPrice > 0 {
		o["auxPrice"] = order.StopPrice
	}
	if order.OCAGroup != "" {
		o["isSingleGroup"] = true
		o["ocaGroup"] = order.OCAGroup
		o["ocaType"] = order.OCAType
	}
	if order.AlgoStrategy != "" {
		o["strategy"] = order.AlgoStrategy
		o["strategyParameters"] = map[string]any{
			"adaptivePriority": order.AlgoPriority,
		}
	}
	return o
}

// CancelOrder cancels a live order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID int64) error {
	path := fmt.Sprintf("/v1/api/iserver/account/%s/order/%d", g.cfg.AccountID, orderID)
	return g.del(ctx, path)
}

// OptionChain fetches the expirations and strikes for an underlying.
func (g *Gateway) OptionChain(ctx context.Context, symbol string) (*models.OptionChain, error) {
	underlying := models.NewStockContract(symbol)
	conid, err := g.resolveConid(ctx, underlying)
	if err != nil {
		return nil, err
	}

	var search []struct {
		Conid    json.Number `json:"conid"`
		Sections []struct {
			SecType string `json:"secType"`
			Months  string `json:"months"` // semicolon separated MONYY
		} `json:"sections"`
	}
	if err := g.get(ctx, "/v1/api/iserver/secdef/search?symbol="+symbol, &search); err != nil {
		return nil, err
	}

	chain := &models.OptionChain{Symbol: symbol}
	var months []string
	for _, s := range search {
		for _, sec := range s.Sections {
			if sec.SecType == "OPT" && sec.Months != "" {
				months = strings.Split(sec.Months, ";")
			}
		}
	}
	if len(months) == 0 {
		return nil, fmt.Errorf("option chain for %s: %w", symbol, apperrors.ErrDataNotFound)
	}

	// Strikes come per month; the selector only needs the near months.
	seen := make(map[float64]bool)
	for _, month := range months {
		var strikes struct {
			Call []float64 `json:"call"`
			Put  []float64 `json:"put"`
		}
		path := fmt.Sprintf("/v1/api/iserver/secdef/strikes?conid=%d&sectype=OPT&month=%s", conid, month)
		if err := g.get(ctx, path, &strikes); err != nil {
			return nil, err
		}
		for _, s := range strikes.Call {
			if !seen[s] {
				seen[s] = true
				chain.Strikes = append(chain.Strikes, s)
			}
		}
		chain.Expirations = append(chain.Expirations, monthExpirations(month)...)
	}
	return chain, nil
}

// monthExpirations expands a MONYY token into candidate YYYYMMDD dates for
// every weekday of the month. The selector narrows these against what the
// strikes endpoint accepts.
func monthExpirations(month string) []string {
	if len(month) < 5 {
		return nil
	}
	t, err := time.Parse("Jan06", month[:1]+strings.ToLower(month[1:]))
	if err != nil {
		return nil
	}
	var out []string
	for d := t; d.Month() == t.Month(); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d.Format("20060102"))
		}
	}
	return out
}

// SubscribeMarketData starts streaming ticks for a contract.
func (g *Gateway) SubscribeMarketData(ctx context.Context, contract models.Contract) error {
	conid, err := g.resolveConid(ctx, contract)
	if err != nil {
		return err
	}

	fields := []string{fieldLast, fieldBid, fieldAsk, fieldBidSize, fieldAskSize, fieldVolume}
	if contract.IsOption() {
		fields = append(fields, fieldDelta, fieldGamma, fieldTheta, fieldVega)
	}
	spec, _ := json.Marshal(map[string]any{"fields": fields})
	msg := fmt.Sprintf("smd+%d+%s", conid, spec)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return apperrors.ErrNotConnected
	}
	g.subs[contract.ID()] = contract
	g.byConid[conid] = contract
	return g.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// UnsubscribeMarketData stops streaming ticks for a contract.
func (g *Gateway) UnsubscribeMarketData(ctx context.Context, contract models.Contract) error {
	conid, err := g.resolveConid(ctx, contract)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return apperrors.ErrNotConnected
	}
	delete(g.subs, contract.ID())
	return g.ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("smu+%d", conid)))
}

func (g *Gateway) contractForConid(conid int64) (models.Contract, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.byConid[conid]
	return c, ok
}

// resolveConid maps a contract to its gateway conid, cached per contract ID.
func (g *Gateway) resolveConid(ctx context.Context, contract models.Contract) (int64, error) {
	g.mu.Lock()
	if conid, ok := g.conids[contract.ID()]; ok {
		g.mu.Unlock()
		return conid, nil
	}
	g.mu.Unlock()

	var conid int64
	var err error
	if contract.IsOption() {
		conid, err = g.resolveOptionConid(ctx, contract)
	} else {
		conid, err = g.resolveSearchConid(ctx, contract)
	}
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	g.conids[contract.ID()] = conid
	g.byConid[conid] = contract
	g.mu.Unlock()
	return conid, nil
}

func (g *Gateway) resolveSearchConid(ctx context.Context, contract models.Contract) (int64, error) {
	var search []struct {
		Conid       json.Number `json:"conid"`
		CompanyName string      `json:"companyName"`
		Description string      `json:"description"`
	}
	path := fmt.Sprintf("/v1/api/iserver/secdef/search?symbol=%s&secType=%s",
		contract.Symbol, contract.SecType)
	if err := g.get(ctx, path, &search); err != nil {
		return 0, err
	}
	if len(search) == 0 {
		return 0, fmt.Errorf("%s: %w", contract.ID(), apperrors.ErrInvalidContract)
	}
	return search[0].Conid.Int64()
}

func (g *Gateway) resolveOptionConid(ctx context.Context, contract models.Contract) (int64, error) {
	underlyingConid, err := g.resolveConid(ctx, models.NewStockContract(contract.Symbol))
	if err != nil {
		return 0, err
	}

	month, err := time.Parse("20060102", contract.Expiry)
	if err != nil {
		return 0, fmt.Errorf("expiry %q: %w", contract.Expiry, apperrors.ErrInvalidContract)
	}

	var info []struct {
		Conid        json.Number `json:"conid"`
		MaturityDate string      `json:"maturityDate"`
		Right        string      `json:"right"`
	}
	path := fmt.Sprintf("/v1/api/iserver/secdef/info?conid=%d&sectype=OPT&month=%s&strike=%g&right=%s",
		underlyingConid, strings.ToUpper(month.Format("Jan06")), contract.Strike, contract.Right)
	if err := g.get(ctx, path, &info); err != nil {
		return 0, err
	}
	for _, i := range info {
		if i.MaturityDate == contract.Expiry {
			return i.Conid.Int64()
		}
	}
	return 0, fmt.Errorf("%s: %w", contract.ID(), apperrors.ErrInvalidContract)
}

// readLoop decodes streaming messages until the socket fails.
func (g *Gateway) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			g.markLost(err)
			return
		}
		g.handleMessage(data)
	}
}

func (g *Gateway) keepAliveLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(g.cfg.KeepAlive)
	defer ticker.Stop()

	g.mu.Lock()
	done := g.done
	g.mu.Unlock()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteMessage(websocket.TextMessage, []byte("tic")); err != nil {
				g.markLost(err)
				return
			}
			// REST session tickle keeps the gateway from expiring us.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.post(ctx, "/v1/api/tickle", nil, nil); err != nil {
				g.logger.Warn().Err(err).Msg("session tickle failed")
				g.emitError(err)
			}
			cancel()
		}
	}
}

type streamMessage struct {
	Topic string `json:"topic"`
	Error string `json:"error"`
	Code  int    `json:"code"`

	// smd fields arrive flattened beside the topic.
	Conid   int64           `json:"conid"`
	Last    json.Number     `json:"31"`
	Bid     json.Number     `json:"84"`
	AskSize json.Number     `json:"85"`
	Ask     json.Number     `json:"86"`
	Volume  json.Number     `json:"87"`
	BidSize json.Number     `json:"88"`
	Delta   json.Number     `json:"7308"`
	Gamma   json.Number     `json:"7309"`
	Theta   json.Number     `json:"7310"`
	Vega    json.Number     `json:"7311"`
	Args    json.RawMessage `json:"args"`
}

func (g *Gateway) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Debug().Err(err).Msg("unparseable stream message")
		return
	}

	// The gateway reports stream-level failures as error frames, with or
	// without a topic.
	if msg.Error != "" {
		g.emitError(apperrors.NewGatewayError(msg.Code, msg.Error, nil))
		return
	}

	switch {
	case strings.HasPrefix(msg.Topic, "smd+"):
		g.handleMarketData(msg)
	case msg.Topic == "sor":
		g.handleOrderUpdates(msg.Args)
	case msg.Topic == "str":
		g.handleTradeUpdates(msg.Args)
	case msg.Topic == "system", msg.Topic == "sts", msg.Topic == "tic", msg.Topic == "act":
		// Session chatter, nothing to do.
	}
}

func (g *Gateway) handleMarketData(msg streamMessage) {
	contract, ok := g.contractForConid(msg.Conid)
	if !ok {
		return
	}

	now := time.Now()
	if contract.IsOption() {
		g.emitOptionQuote(models.OptionQuote{
			Contract:  contract,
			Last:      num(msg.Last),
			Bid:       num(msg.Bid),
			Ask:       num(msg.Ask),
			Volume:    int64(num(msg.Volume)),
			Delta:     num(msg.Delta),
			Gamma:     num(msg.Gamma),
			Theta:     num(msg.Theta),
			Vega:      num(msg.Vega),
			Timestamp: now,
		})
		return
	}
	g.emitTick(models.Tick{
		Contract:  contract,
		Last:      num(msg.Last),
		Bid:       num(msg.Bid),
		Ask:       num(msg.Ask),
		BidSize:   int64(num(msg.BidSize)),
		AskSize:   int64(num(msg.AskSize)),
		Volume:    int64(num(msg.Volume)),
		Timestamp: now,
	})
}

func (g *Gateway) handleOrderUpdates(args json.RawMessage) {
	var orders []struct {
		OrderID      int64   `json:"orderId"`
		Conid        int64   `json:"conid"`
		Side         string  `json:"side"`
		OrderType    string  `json:"orderType"`
		Status       string  `json:"status"`
		FilledQty    float64 `json:"filledQuantity"`
		RemainingQty float64 `json:"remainingQuantity"`
		AvgPrice     float64 `json:"avgPrice,string"`
	}
	if err := json.Unmarshal(args, &orders); err != nil {
		return
	}
	for _, o := range orders {
		contract, _ := g.contractForConid(o.Conid)
		g.emitOrderStatus(models.Order{
			ID:           o.OrderID,
			Contract:     contract,
			Side:         models.OrderSide(o.Side),
			Type:         models.OrderType(o.OrderType),
			Status:       mapOrderStatus(o.Status),
			FilledQty:    int(o.FilledQty),
			RemainingQty: int(o.RemainingQty),
			AvgFillPrice: o.AvgPrice,
		})
	}
}

func (g *Gateway) handleTradeUpdates(args json.RawMessage) {
	var trades []struct {
		ExecutionID string  `json:"execution_id"`
		OrderID     int64   `json:"order_ref,string"`
		Conid       int64   `json:"conid"`
		Side        string  `json:"side"`
		Size        float64 `json:"size"`
		Price       float64 `json:"price,string"`
	}
	if err := json.Unmarshal(args, &trades); err != nil {
		return
	}
	for _, t := range trades {
		contract, _ := g.contractForConid(t.Conid)
		g.emitFill(models.Fill{
			OrderID:   t.OrderID,
			Contract:  contract,
			Side:      models.OrderSide(t.Side),
			Quantity:  int(t.Size),
			Price:     t.Price,
			Timestamp: time.Now(),
		})
	}
}

func mapOrderStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return models.OrderStatusFilled
	case "cancelled", "canceled":
		return models.OrderStatusCancelled
	case "inactive":
		return models.OrderStatusInactive
	case "pendingsubmit", "presubmitted":
		return models.OrderStatusPendingSubmit
	default:
		return models.OrderStatusSubmitted
	}
}

func num(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}

func (g *Gateway) get(ctx context.Context, path string, out any) error {
	return g.do(ctx, http.MethodGet, path, nil, out)
}

func (g *Gateway) post(ctx context.Context, path string, body, out any) error {
	return g.do(ctx, http.MethodPost, path, body, out)
}

func (g *Gateway) del(ctx context.Context, path string) error {
	return g.do(ctx, http.MethodDelete, path, nil, nil)
}

func (g *Gateway) do(ctx context.Context, method, path string, body, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var gwErr struct {
			Error string `json:"error"`
			Code  int    `json:"statusCode"`
		}
		json.Unmarshal(data, &gwErr)
		if gwErr.Error == "" {
			gwErr.Error = strings.TrimSpace(string(data))
		}
		ge := &apperrors.GatewayError{
			Code:    resp.StatusCode,
			Message: gwErr.Error,
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			ge.Err = apperrors.ErrPacingViolation
		}
		return ge
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
