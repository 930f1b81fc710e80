package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/internal/book"
	"polyscalp/internal/events"
	"polyscalp/internal/execution"
	"polyscalp/internal/market"
	"polyscalp/internal/strategy"
	"polyscalp/internal/venue"
	"polyscalp/logger"
	"polyscalp/models"
)

// Books is the order book surface the engine needs.
type Books interface {
	Subscribe(tokens []models.Token, onUpdate book.UpdateFunc)
	Unsubscribe(tokens []models.Token)
	GetPrice(token models.Token) (bid, ask *decimal.Decimal)
}

// Engine owns the market lifecycle and drives periodic evaluation.
// External code mutates engine state only through the control surface:
// Start, Stop, AddMarket, RemoveMarket, Status.
type Engine struct {
	config      *appconfig.Config
	store       *market.Store
	strategy    strategy.Strategy
	coordinator *execution.Coordinator
	books       Books
	bus         *events.Bus
	log         *logger.Log

	mu        sync.Mutex
	running   bool
	halted    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	tokenMap  map[models.Token]string
	evalLocks map[string]*sync.Mutex
	removedAt map[string]time.Time
	lastCast  map[string]time.Time

	dailyLossLimit decimal.Decimal
}

func New(cfg *appconfig.Config, store *market.Store, strat strategy.Strategy, coord *execution.Coordinator, books Books, bus *events.Bus) *Engine {
	e := &Engine{
		config:         cfg,
		store:          store,
		strategy:       strat,
		coordinator:    coord,
		books:          books,
		bus:            bus,
		log:            logger.GetLogger(),
		tokenMap:       make(map[models.Token]string),
		evalLocks:      make(map[string]*sync.Mutex),
		removedAt:      make(map[string]time.Time),
		lastCast:       make(map[string]time.Time),
		dailyLossLimit: appconfig.Dec(cfg.Engine.DailyLossLimit),
	}
	coord.SetInvariantHandler(e.quarantine)
	return e
}

// Start launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.tickLoop(ctx)

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"tick":            e.config.Engine.TickInterval.Std().String(),
		"trading_enabled": e.config.Engine.TradingEnabled,
	}).Info("engine started")
	return nil
}

// Stop requests cooperative shutdown and best-effort cancels resting
// orders within the shutdown budget. No order placement begins after
// this point.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), e.config.Engine.ShutdownBudget.Std())
	defer sweepCancel()
	for _, id := range e.store.IDs() {
		if err := e.coordinator.CancelAllTP(sweepCtx, id); err != nil {
			e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{"market_id": id}).Warn("shutdown tp sweep failed")
		}
	}

	e.log.WithComponent("engine").Info("engine stopped")
}

// AddMarket registers a market and subscribes its tokens.
func (e *Engine) AddMarket(descriptor models.MarketDescriptor) error {
	if descriptor.MarketID == "" || descriptor.TokenYes == "" || descriptor.TokenNo == "" {
		return fmt.Errorf("descriptor is incomplete")
	}

	e.mu.Lock()
	if removed, ok := e.removedAt[descriptor.MarketID]; ok {
		cooldown := e.config.Engine.ReaddCooldown.Std()
		if time.Since(removed) < cooldown {
			e.mu.Unlock()
			return fmt.Errorf("market %s was removed %s ago, refusing re-add inside %s cooldown",
				descriptor.MarketID, time.Since(removed).Round(time.Second), cooldown)
		}
		delete(e.removedAt, descriptor.MarketID)
	}
	e.mu.Unlock()

	if e.store.Count() >= e.config.Engine.MaxConcurrentMarkets {
		return fmt.Errorf("max concurrent markets (%d) reached", e.config.Engine.MaxConcurrentMarkets)
	}

	if err := e.store.Add(descriptor); err != nil {
		return err
	}

	e.mu.Lock()
	e.tokenMap[descriptor.TokenYes] = descriptor.MarketID
	e.tokenMap[descriptor.TokenNo] = descriptor.MarketID
	e.evalLocks[descriptor.MarketID] = &sync.Mutex{}
	e.mu.Unlock()

	e.books.Subscribe([]models.Token{descriptor.TokenYes, descriptor.TokenNo}, e.onBookUpdate)
	return nil
}

// RemoveMarket unsubscribes the tokens and drops the market.
func (e *Engine) RemoveMarket(marketID string) error {
	snap, ok := e.store.Snapshot(marketID)
	if !ok {
		return fmt.Errorf("market %s not registered", marketID)
	}
	e.retire(snap, true)
	return nil
}

func (e *Engine) retire(snap *models.MarketContext, recordRemoval bool) {
	marketID := snap.Descriptor.MarketID

	sweepCtx, cancel := context.WithTimeout(context.Background(), e.config.Execution.OrderTimeout.Std())
	defer cancel()
	if err := e.coordinator.CancelAllTP(sweepCtx, marketID); err != nil {
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{"market_id": marketID}).Warn("tp sweep on retire failed")
	}

	e.books.Unsubscribe([]models.Token{snap.Descriptor.TokenYes, snap.Descriptor.TokenNo})

	e.store.Remove(marketID)
	e.coordinator.Forget(marketID)

	e.mu.Lock()
	delete(e.tokenMap, snap.Descriptor.TokenYes)
	delete(e.tokenMap, snap.Descriptor.TokenNo)
	delete(e.evalLocks, marketID)
	delete(e.lastCast, marketID)
	if recordRemoval {
		e.removedAt[marketID] = time.Now()
	}
	e.mu.Unlock()

	e.log.WithComponent("engine").WithFields(logger.Fields{"market_id": marketID}).Info("market retired")
}

// Status answers the control RPC.
func (e *Engine) Status() models.BotStatus {
	e.mu.Lock()
	running := e.running
	halted := e.halted
	e.mu.Unlock()

	completed, winRate := e.coordinator.TradeStats()
	return models.BotStatus{
		Running:            running,
		Halted:             halted,
		ActiveMarkets:      e.store.Count(),
		QuarantinedMarkets: e.store.QuarantinedCount(),
		TotalPnL:           e.coordinator.RealizedPnL(),
		WinRate:            winRate,
		CompletedTrades:    completed,
		TS:                 time.Now(),
	}
}

// onBookUpdate feeds top-of-book changes into the store and triggers an
// immediate evaluation, so price-sensitive rules fire within one update
// latency rather than waiting for the next tick.
func (e *Engine) onBookUpdate(token models.Token, ob models.OrderBook) {
	e.mu.Lock()
	marketID, ok := e.tokenMap[token]
	e.mu.Unlock()
	if !ok {
		return
	}

	snap, ok := e.store.Snapshot(marketID)
	if !ok {
		return
	}

	side := models.SideYes
	if token == snap.Descriptor.TokenNo {
		side = models.SideNo
	}

	var bid, ask *decimal.Decimal
	if l := ob.BestBid(); l != nil {
		bid = &l.Price
	}
	if l := ob.BestAsk(); l != nil {
		ask = &l.Price
	}
	e.store.SetPrices(marketID, side, bid, ask)

	e.broadcastMarket(marketID)
	e.evaluateMarket(context.Background(), marketID, time.Now())
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Engine.TickInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx, time.Now())
		}
	}
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	for _, id := range e.store.IDs() {
		snap, ok := e.store.Snapshot(id)
		if !ok {
			continue
		}

		// Deadline sweep: inside the force-unwind window no TP order
		// may rest, so the evaluator's unwind fires against a clean
		// book of our own orders.
		timeLeft := snap.Descriptor.EndTime.Sub(now)
		if timeLeft < e.config.Strategy.ForceUnwindTimeLeft.Std() && len(snap.ActiveTPOrderIDs) > 0 {
			if err := e.coordinator.CancelAllTP(ctx, id); err != nil {
				e.publishError(id, venue.KindOf(err).String(), err.Error())
			}
		}

		e.evaluateMarket(ctx, id, now)
		e.broadcastMarket(id)
	}

	for _, id := range e.store.Expired(now, e.config.Engine.MarketGrace.Std()) {
		if snap, ok := e.store.Snapshot(id); ok {
			e.retire(snap, false)
		}
	}

	e.bus.Publish(models.EventBotStatus, e.Status(), now)
}

// evaluateMarket runs the strategy over a fresh snapshot. Book updates
// and ticks race here; the per-market lock keeps exactly one evaluator
// invocation in flight, always over the latest snapshot.
func (e *Engine) evaluateMarket(ctx context.Context, marketID string, now time.Time) {
	e.mu.Lock()
	lock, ok := e.evalLocks[marketID]
	running := e.running
	e.mu.Unlock()
	if !ok || !running {
		return
	}
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	snap, ok := e.store.Snapshot(marketID)
	if !ok || snap.Quarantined {
		return
	}

	sig := e.strategy.Evaluate(snap, now)
	if sig.IsNoop() {
		return
	}

	if err := strategy.Validate(sig); err != nil {
		// Evaluator contract violation: a programming bug. Abort the
		// tick for this market and surface it loudly.
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"market_id": marketID,
			"action":    string(sig.Action),
		}).Error("evaluator contract violation, aborting tick for market")
		e.publishError(marketID, "contract", err.Error())
		return
	}

	if e.isHalted() && sig.Action.IsEntry() {
		// Past the daily loss limit only exits keep flowing.
		return
	}

	logger.IncrementSignal()
	e.store.Update(marketID, func(mc *models.MarketContext) {
		mc.LastSignalTime = now
	})
	e.bus.Publish(models.EventSignalGenerated, models.SignalGenerated{
		MarketID: marketID,
		Action:   sig.Action,
		Side:     sig.Side,
		Size:     sig.Size,
		Price:    sig.Price,
		Reason:   sig.Reason,
		DCALevel: sig.DCALevel,
		TS:       now,
	}, now)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ran, err := e.coordinator.TryExecute(ctx, marketID, sig)
		if !ran {
			return
		}
		if err != nil {
			e.handleVenueError(marketID, err)
			return
		}
		e.checkDailyLoss()
	}()
}

func (e *Engine) handleVenueError(marketID string, err error) {
	kind := venue.KindOf(err)
	e.publishError(marketID, kind.String(), err.Error())

	switch kind {
	case venue.KindPermanent, venue.KindAuth:
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"market_id": marketID,
		}).Error("permanent venue error, removing market")
		if snap, ok := e.store.Snapshot(marketID); ok {
			e.retire(snap, true)
		}
	case venue.KindInvariant:
		e.quarantine(marketID, err.Error())
	default:
		// Transient: the signal is dropped; the evaluator re-proposes
		// on the next tick if conditions still hold.
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"market_id": marketID,
		}).Warn("transient venue error, signal dropped")
	}
}

// quarantine stops signalling a market after a reconciliation fault.
// The market stays visible for manual inspection; the process keeps
// running.
func (e *Engine) quarantine(marketID, detail string) {
	if marketID == "" {
		return
	}
	e.store.MarkQuarantined(marketID)
	e.log.WithComponent("engine").WithFields(logger.Fields{
		"market_id": marketID,
		"detail":    detail,
	}).Error("market quarantined")
	e.publishError(marketID, venue.KindInvariant.String(), detail)
}

func (e *Engine) checkDailyLoss() {
	if e.isHalted() {
		return
	}
	pnl := e.coordinator.RealizedPnL()
	if pnl.LessThan(e.dailyLossLimit.Neg()) {
		e.mu.Lock()
		e.halted = true
		e.mu.Unlock()
		e.log.WithComponent("engine").WithFields(logger.Fields{
			"realized_pnl": pnl.String(),
			"limit":        e.dailyLossLimit.String(),
		}).Error("daily loss limit breached, refusing new entries")
		e.publishError("", "daily_loss_limit", fmt.Sprintf("realized pnl %s breached limit %s", pnl, e.dailyLossLimit))
	}
}

func (e *Engine) isHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// broadcastMarket emits a market_update, rate-limited per market.
func (e *Engine) broadcastMarket(marketID string) {
	now := time.Now()

	e.mu.Lock()
	last := e.lastCast[marketID]
	if now.Sub(last) < e.config.Engine.BroadcastMinInterval.Std() {
		e.mu.Unlock()
		return
	}
	e.lastCast[marketID] = now
	e.mu.Unlock()

	snap, ok := e.store.Snapshot(marketID)
	if !ok {
		return
	}

	var summary []models.PositionSummary
	for _, side := range []models.Side{models.SideYes, models.SideNo} {
		var held []models.Position
		for _, p := range snap.Positions {
			if p.Side == side {
				held = append(held, p)
			}
		}
		if len(held) == 0 {
			continue
		}
		size, _ := models.SideTotals(held)
		summary = append(summary, models.PositionSummary{
			Side:          side,
			Size:          size,
			AvgEntryPrice: models.AvgEntry(held),
			NumPositions:  len(held),
		})
	}

	e.bus.Publish(models.EventMarketUpdate, models.MarketUpdate{
		MarketID:        marketID,
		YesPrice:        snap.YesAsk,
		NoPrice:         snap.NoAsk,
		YesBid:          snap.YesBid,
		NoBid:           snap.NoBid,
		TimeLeft:        snap.Descriptor.EndTime.Sub(now).Seconds(),
		PositionSummary: summary,
		TS:              now,
	}, now)
}

func (e *Engine) publishError(marketID, kind, detail string) {
	e.bus.Publish(models.EventError, models.ErrorEvent{
		MarketID: marketID,
		Kind:     kind,
		Detail:   detail,
		TS:       time.Now(),
	}, time.Now())
}
