package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	// First load writes the template, second load reads it.
	config.Load(dir)
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	cfg.Journal.DBPath = dir + "/journal.db"
	return cfg
}

func runCommand(t *testing.T, cfg *config.Config, args ...string) string {
	t.Helper()
	root := NewRootCmd(cfg, zerolog.Nop())
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("command %v: %v", args, err)
	}
	return buf.String()
}

func TestVersionCommand(t *testing.T) {
	out := runCommand(t, testConfig(t), "version")
	if !strings.Contains(out, Version) {
		t.Errorf("version output missing %q:\n%s", Version, out)
	}
}

func TestConfigShow(t *testing.T) {
	cfg := testConfig(t)
	out := runCommand(t, cfg, "config", "show")
	if !strings.Contains(out, cfg.Trading.Underlying) {
		t.Errorf("config show missing underlying:\n%s", out)
	}
	if !strings.Contains(out, "Risk tiers") {
		t.Errorf("config show missing risk tiers:\n%s", out)
	}
}

func TestJournalListEmpty(t *testing.T) {
	out := runCommand(t, testConfig(t), "journal", "list")
	if !strings.Contains(out, "no trades recorded") {
		t.Errorf("empty journal list output:\n%s", out)
	}
}

func TestJournalStatsJSON(t *testing.T) {
	out := runCommand(t, testConfig(t), "--json", "journal", "stats")
	if !strings.Contains(out, "\"TotalTrades\": 0") {
		t.Errorf("journal stats json output:\n%s", out)
	}
}

func TestConfigDirFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"run"}, ""},
		{[]string{"--config", "/tmp/cfg", "run"}, "/tmp/cfg"},
		{[]string{"run", "--config=/tmp/other"}, "/tmp/other"},
	}

	for _, tt := range tests {
		if got := configDirFromArgs(tt.args); got != tt.want {
			t.Errorf("configDirFromArgs(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestTableRendering(t *testing.T) {
	var buf bytes.Buffer
	output := &Output{writer: &buf}
	table := NewTable(output, "A", "LONGER")
	table.AddRow("x", "y")
	table.AddRow("wide-cell", "z")
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want header, separator, 2 rows:\n%s", len(lines), buf.String())
	}
	width := len(lines[0])
	for i, line := range lines {
		if len(line) != width {
			t.Errorf("line %d width %d, want %d", i, len(line), width)
		}
	}
}
