package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/internal/book"
	"polyscalp/internal/events"
	"polyscalp/internal/execution"
	"polyscalp/internal/market"
	"polyscalp/internal/strategy"
	"polyscalp/internal/venue"
	"polyscalp/models"
)

type fakeBooks struct {
	subscribed   map[models.Token]bool
	unsubscribed map[models.Token]bool
}

func newFakeBooks() *fakeBooks {
	return &fakeBooks{
		subscribed:   make(map[models.Token]bool),
		unsubscribed: make(map[models.Token]bool),
	}
}

func (f *fakeBooks) Subscribe(tokens []models.Token, _ book.UpdateFunc) {
	for _, t := range tokens {
		f.subscribed[t] = true
	}
}

func (f *fakeBooks) Unsubscribe(tokens []models.Token) {
	for _, t := range tokens {
		f.unsubscribed[t] = true
	}
}

func (f *fakeBooks) GetPrice(models.Token) (*decimal.Decimal, *decimal.Decimal) {
	return nil, nil
}

type nilVenue struct{}

func (nilVenue) PlaceOrder(context.Context, venue.OrderRequest) (venue.OrderResponse, error) {
	return venue.OrderResponse{}, nil
}
func (nilVenue) CancelOrder(context.Context, string) error { return nil }
func (nilVenue) Markets(context.Context, string) ([]models.MarketDescriptor, error) {
	return nil, nil
}

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Engine: appconfig.EngineConfig{
			TradingEnabled:       false,
			MaxConcurrentMarkets: 2,
			DailyLossLimit:       50,
			TickInterval:         appconfig.Duration(time.Hour),
			MarketGrace:          appconfig.Duration(600 * time.Second),
			ReaddCooldown:        appconfig.Duration(60 * time.Second),
			BroadcastMinInterval: appconfig.Duration(time.Millisecond),
			ShutdownBudget:       appconfig.Duration(time.Second),
		},
		Strategy: appconfig.StrategyConfig{
			EntryTrigger:        0.34,
			DCADrop1:            0.24,
			DCADrop2:            0.38,
			ClipSize:            10,
			UnwindTrigger:       0.60,
			TPPrice:             0.88,
			HighScalpEntry:      0.90,
			MaxCompletedCycles:  3,
			MaxHighScalps:       4,
			MinEntryTimeLeft:    appconfig.Duration(420 * time.Second),
			ForceUnwindTimeLeft: appconfig.Duration(300 * time.Second),
			ForceExitTimeLeft:   appconfig.Duration(180 * time.Second),
		},
		Execution: appconfig.ExecutionConfig{
			OrderTimeout:  appconfig.Duration(time.Second),
			CancelRetries: 1,
			CancelBackoff: appconfig.Duration(time.Millisecond),
		},
	}
}

func descriptor(id string, end time.Time) models.MarketDescriptor {
	return models.MarketDescriptor{
		MarketID: id,
		TokenYes: models.Token(id + "-yes"),
		TokenNo:  models.Token(id + "-no"),
		EndTime:  end,
		MinTick:  decimal.RequireFromString("0.01"),
	}
}

func newFixture(t *testing.T) (*Engine, *market.Store, *fakeBooks, *events.Bus) {
	t.Helper()
	cfg := testConfig()
	store := market.NewStore()
	bus := events.NewBus(64)
	coord := execution.NewCoordinator(cfg, store, nilVenue{}, bus)
	strat := strategy.NewMultiLevel(strategy.ParamsFromConfig(cfg.Strategy))
	books := newFakeBooks()
	eng := New(cfg, store, strat, coord, books, bus)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(eng.Stop)

	return eng, store, books, bus
}

func TestAddMarketSubscribesTokens(t *testing.T) {
	eng, store, books, _ := newFixture(t)

	if err := eng.AddMarket(descriptor("m1", time.Now().Add(14*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !store.Has("m1") {
		t.Fatalf("market not registered")
	}
	if !books.subscribed["m1-yes"] || !books.subscribed["m1-no"] {
		t.Fatalf("tokens not subscribed: %v", books.subscribed)
	}
}

func TestAddMarketEnforcesLimit(t *testing.T) {
	eng, _, _, _ := newFixture(t)

	end := time.Now().Add(14 * time.Minute)
	if err := eng.AddMarket(descriptor("m1", end)); err != nil {
		t.Fatalf("add m1: %v", err)
	}
	if err := eng.AddMarket(descriptor("m2", end)); err != nil {
		t.Fatalf("add m2: %v", err)
	}
	if err := eng.AddMarket(descriptor("m3", end)); err == nil {
		t.Fatalf("expected max_concurrent_markets rejection")
	}
}

func TestRemoveMarketRefusesImmediateReadd(t *testing.T) {
	eng, _, books, _ := newFixture(t)

	d := descriptor("m1", time.Now().Add(14*time.Minute))
	if err := eng.AddMarket(d); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := eng.RemoveMarket("m1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !books.unsubscribed["m1-yes"] || !books.unsubscribed["m1-no"] {
		t.Fatalf("tokens not unsubscribed on remove")
	}
	if err := eng.AddMarket(d); err == nil {
		t.Fatalf("expected re-add inside cooldown to fail")
	}
}

func TestDeadlineSweepClearsTPOrders(t *testing.T) {
	eng, store, _, _ := newFixture(t)

	// Market inside the force-unwind window with a resting TP order.
	if err := eng.AddMarket(descriptor("m1", time.Now().Add(250*time.Second))); err != nil {
		t.Fatalf("add: %v", err)
	}
	store.Update("m1", func(mc *models.MarketContext) {
		mc.ActiveTPOrderIDs["ord-1"] = models.SideYes
	})

	eng.tick(context.Background(), time.Now())

	snap, _ := store.Snapshot("m1")
	if len(snap.ActiveTPOrderIDs) != 0 {
		t.Fatalf("deadline sweep must clear tp orders, got %v", snap.ActiveTPOrderIDs)
	}
}

func TestTickRetiresExpiredMarkets(t *testing.T) {
	eng, store, books, _ := newFixture(t)

	if err := eng.AddMarket(descriptor("m1", time.Now().Add(-20*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}

	eng.tick(context.Background(), time.Now())

	if store.Has("m1") {
		t.Fatalf("expired market must be retired")
	}
	if !books.unsubscribed["m1-yes"] {
		t.Fatalf("retired market tokens must be unsubscribed")
	}
}

func TestExpiredMarketWithPositionIsKept(t *testing.T) {
	eng, store, _, _ := newFixture(t)

	if err := eng.AddMarket(descriptor("m1", time.Now().Add(-20*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}
	store.Update("m1", func(mc *models.MarketContext) {
		mc.Positions = append(mc.Positions, models.Position{
			Side: models.SideYes, Size: decimal.NewFromInt(10), EntryPrice: decimal.RequireFromString("0.3"),
		})
	})

	eng.tick(context.Background(), time.Now())

	if !store.Has("m1") {
		t.Fatalf("market with open positions must not be retired")
	}
}

func TestHaltedEngineSuppressesEntries(t *testing.T) {
	eng, store, _, bus := newFixture(t)

	if err := eng.AddMarket(descriptor("m1", time.Now().Add(14*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}
	ask := decimal.RequireFromString("0.30")
	store.SetPrices("m1", models.SideYes, nil, &ask)

	eng.mu.Lock()
	eng.halted = true
	eng.mu.Unlock()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	eng.evaluateMarket(context.Background(), "m1", time.Now())

	select {
	case ev := <-sub.C():
		if ev.Kind == models.EventSignalGenerated {
			t.Fatalf("halted engine must suppress entry signals")
		}
	default:
	}
}

func TestQuarantinedMarketIsNotEvaluated(t *testing.T) {
	eng, store, _, bus := newFixture(t)

	if err := eng.AddMarket(descriptor("m1", time.Now().Add(14*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}
	ask := decimal.RequireFromString("0.30")
	store.SetPrices("m1", models.SideYes, nil, &ask)
	store.MarkQuarantined("m1")

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	eng.evaluateMarket(context.Background(), "m1", time.Now())

	select {
	case ev := <-sub.C():
		if ev.Kind == models.EventSignalGenerated {
			t.Fatalf("quarantined market must not emit signals")
		}
	default:
	}
}

func TestSignalGeneratedIsPublished(t *testing.T) {
	eng, store, _, bus := newFixture(t)

	if err := eng.AddMarket(descriptor("m1", time.Now().Add(14*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}
	ask := decimal.RequireFromString("0.30")
	store.SetPrices("m1", models.SideYes, nil, &ask)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	eng.evaluateMarket(context.Background(), "m1", time.Now())

	select {
	case ev := <-sub.C():
		if ev.Kind != models.EventSignalGenerated {
			t.Fatalf("expected signal_generated, got %s", ev.Kind)
		}
		payload := ev.Payload.(models.SignalGenerated)
		if payload.Action != models.ActionEnterYes || payload.MarketID != "m1" {
			t.Fatalf("unexpected signal payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a signal event")
	}
}

func TestBookUpdateFeedsStoreAndBroadcasts(t *testing.T) {
	eng, store, _, bus := newFixture(t)

	if err := eng.AddMarket(descriptor("m1", time.Now().Add(14*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	eng.onBookUpdate("m1-yes", models.OrderBook{
		Token: "m1-yes",
		Bids:  []models.OrderBookLevel{{Price: decimal.RequireFromString("0.30"), Size: decimal.NewFromInt(10)}},
		Asks:  []models.OrderBookLevel{{Price: decimal.RequireFromString("0.33"), Size: decimal.NewFromInt(10)}},
	})

	snap, _ := store.Snapshot("m1")
	if snap.YesAsk == nil || !snap.YesAsk.Equal(decimal.RequireFromString("0.33")) {
		t.Fatalf("book update did not reach the store: %v", snap.YesAsk)
	}

	sawUpdate, sawSignal := false, false
	deadline := time.After(time.Second)
	for !(sawUpdate && sawSignal) {
		select {
		case ev := <-sub.C():
			switch ev.Kind {
			case models.EventMarketUpdate:
				sawUpdate = true
			case models.EventSignalGenerated:
				sawSignal = true
			}
		case <-deadline:
			t.Fatalf("missing events: market_update=%v signal=%v", sawUpdate, sawSignal)
		}
	}
}

func TestStatusCounts(t *testing.T) {
	eng, store, _, _ := newFixture(t)

	if err := eng.AddMarket(descriptor("m1", time.Now().Add(14*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}
	store.MarkQuarantined("m1")

	status := eng.Status()
	if !status.Running || status.ActiveMarkets != 1 || status.QuarantinedMarkets != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}
