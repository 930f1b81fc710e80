package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/internal/events"
	"polyscalp/models"
)

func testConfig(dir string) *appconfig.Config {
	return &appconfig.Config{
		Journal: appconfig.JournalConfig{
			Enabled:       true,
			Directory:     dir,
			BatchSize:     2,
			FlushInterval: appconfig.Duration(time.Hour),
		},
	}
}

func TestEncodeParquetProducesData(t *testing.T) {
	records := []TradeRecord{
		{MarketID: "m1", Action: "ENTER_YES", Side: "YES", Size: 10, Price: 0.33, Reason: "entry@0.33", TS: 1},
		{MarketID: "m1", Action: "EXIT_MARKET", Side: "YES", Size: 10, Price: 0.58, PnL: 0.8, Reason: "unwind", TS: 2},
	}
	data, err := encodeParquet(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected parquet bytes")
	}
	// Parquet files end with the PAR1 magic.
	if !strings.HasSuffix(string(data), "PAR1") {
		t.Fatalf("output does not look like a parquet file")
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	w, err := NewWriter(testConfig(dir), bus)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	pnl := decimal.RequireFromString("0.8")
	for i := 0; i < 2; i++ {
		bus.Publish(models.EventTradeExecuted, models.TradeExecuted{
			MarketID: "m1",
			Action:   models.ActionExitMarket,
			Side:     models.SideYes,
			Size:     decimal.NewFromInt(10),
			Price:    decimal.RequireFromString("0.58"),
			PnL:      &pnl,
			Reason:   "unwind",
			TS:       time.Now(),
		}, time.Now())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		files, _ := filepath.Glob(filepath.Join(dir, "trades-*.parquet"))
		if len(files) > 0 {
			info, err := os.Stat(files[0])
			if err != nil || info.Size() == 0 {
				t.Fatalf("journal file unreadable: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected a journal file after batch size reached")
}

func TestStopFlushesRemainder(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	w, err := NewWriter(testConfig(dir), bus)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	bus.Publish(models.EventTradeExecuted, models.TradeExecuted{
		MarketID: "m1",
		Action:   models.ActionEnterYes,
		Side:     models.SideYes,
		Size:     decimal.NewFromInt(10),
		Price:    decimal.RequireFromString("0.33"),
		Reason:   "entry@0.33",
		TS:       time.Now(),
	}, time.Now())

	// Give the consumer a moment to buffer the event, then stop.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		buffered := len(w.buffer)
		w.mu.Unlock()
		if buffered == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.Stop()

	files, _ := filepath.Glob(filepath.Join(dir, "trades-*.parquet"))
	if len(files) != 1 {
		t.Fatalf("expected one journal file after stop, got %d", len(files))
	}
}

func TestDisabledJournalRefusesStart(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Journal.Enabled = false
	w, err := NewWriter(cfg, events.NewBus(4))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail when disabled")
	}
}
