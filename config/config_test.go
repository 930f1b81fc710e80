package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
polyscalp:
  name: polyscalp
  version: 0.0.1
venue:
  rest_url: https://clob.example.com
  ws_url: wss://stream.example.com/ws/market
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Strategy.EntryTrigger != 0.34 {
		t.Errorf("expected default entry_trigger 0.34, got %v", cfg.Strategy.EntryTrigger)
	}
	if cfg.Strategy.ForceUnwindTimeLeft.Std() != 300*time.Second {
		t.Errorf("expected default force_unwind_time_left 300s, got %v", cfg.Strategy.ForceUnwindTimeLeft.Std())
	}
	if cfg.Engine.TickInterval.Std() != 200*time.Millisecond {
		t.Errorf("expected default tick 200ms, got %v", cfg.Engine.TickInterval.Std())
	}
	if cfg.Engine.TradingEnabled {
		t.Errorf("trading must default to disabled")
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
engine:
  tick_interval: 500ms
strategy:
  min_entry_time_left: 7m
  force_unwind_time_left: 5m
  force_exit_time_left: 3m
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.TickInterval.Std() != 500*time.Millisecond {
		t.Errorf("tick interval not parsed: %v", cfg.Engine.TickInterval.Std())
	}
	if cfg.Strategy.MinEntryTimeLeft.Std() != 7*time.Minute {
		t.Errorf("min_entry_time_left not parsed: %v", cfg.Strategy.MinEntryTimeLeft.Std())
	}
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
strategy:
  force_exit_time_left: 400s
  force_unwind_time_left: 300s
`))
	if err == nil {
		t.Fatalf("expected validation failure for exit window past unwind window")
	}
}

func TestValidateRequiresIdentity(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
venue:
  rest_url: https://clob.example.com
  ws_url: wss://stream.example.com
`))
	if err == nil {
		t.Fatalf("expected validation failure without service identity")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADING_ENABLED", "true")
	t.Setenv("MAX_CONCURRENT_MARKETS", "5")
	t.Setenv("VENUE_API_KEY", "env-key")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Engine.TradingEnabled {
		t.Errorf("TRADING_ENABLED override not applied")
	}
	if cfg.Engine.MaxConcurrentMarkets != 5 {
		t.Errorf("MAX_CONCURRENT_MARKETS override not applied")
	}
	if cfg.Venue.APIKey != "env-key" {
		t.Errorf("VENUE_API_KEY override not applied")
	}
}

func TestS3ValidationWhenEnabled(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
storage:
  s3:
    enabled: true
`))
	if err == nil {
		t.Fatalf("expected validation failure for enabled S3 without bucket")
	}
}
