package errors

import (
	"errors"
	"testing"
)

func TestGatewayErrorCategory(t *testing.T) {
	tests := []struct {
		name string
		code int
		want Category
	}{
		{"connectivity lost", 1100, CategoryConnection},
		{"gateway unreachable", 504, CategoryConnection},
		{"http too many requests", 429, CategoryPacing},
		{"http service unavailable", 503, CategoryPacing},
		{"tws pacing violation", 10168, CategoryPacing},
		{"invalid contract", 10183, CategoryMarketData},
		{"no security definition", 200, CategoryMarketData},
		{"order rejected", 201, CategoryOrder},
		{"unknown code", 9999, CategoryGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &GatewayError{Code: tt.code, Message: tt.name}
			if got := e.Category(); got != tt.want {
				t.Errorf("Category() for code %d = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestGatewayErrorRecoveryStrategy(t *testing.T) {
	tests := []struct {
		code int
		want Recovery
	}{
		{1100, RecoveryReconnect},
		{429, RecoveryRetry},
		{10183, RecoveryDoNotRetry},
		{200, RecoveryRetry},
		{201, RecoveryLogOnly},
	}

	for _, tt := range tests {
		e := &GatewayError{Code: tt.code}
		if got := e.RecoveryStrategy(); got != tt.want {
			t.Errorf("RecoveryStrategy() for code %d = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	inner := errors.New("read timeout")
	e := NewGatewayError(429, "too many requests", inner)

	if !errors.Is(e, inner) {
		t.Error("GatewayError should unwrap to the inner error")
	}
	if e.Error() == "" || e.Unwrap() != inner {
		t.Errorf("unexpected Error/Unwrap: %q", e.Error())
	}
}
