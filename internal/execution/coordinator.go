package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/internal/events"
	"polyscalp/internal/market"
	"polyscalp/internal/venue"
	"polyscalp/logger"
	"polyscalp/models"
)

// Coordinator turns signals into venue orders and reconciles fills
// back into market state. A per-market token serializes the whole
// cancel-place-ack sequence; distinct markets proceed in parallel.
type Coordinator struct {
	config *appconfig.Config
	store  *market.Store
	client venue.Client
	bus    *events.Bus
	log    *logger.Log

	mu      sync.Mutex
	markets map[string]*marketToken

	pnlMu           sync.Mutex
	realizedPnL     decimal.Decimal
	completedTrades int
	winningTrades   int

	// onInvariant lets the engine quarantine a market when
	// reconciliation breaks.
	onInvariant func(marketID string, detail string)
}

type marketToken struct {
	mu sync.Mutex
}

func NewCoordinator(cfg *appconfig.Config, store *market.Store, client venue.Client, bus *events.Bus) *Coordinator {
	return &Coordinator{
		config:  cfg,
		store:   store,
		client:  client,
		bus:     bus,
		log:     logger.GetLogger(),
		markets: make(map[string]*marketToken),
	}
}

// SetInvariantHandler registers the engine's quarantine hook.
func (c *Coordinator) SetInvariantHandler(fn func(marketID, detail string)) {
	c.onInvariant = fn
}

func (c *Coordinator) token(marketID string) *marketToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.markets[marketID]
	if !ok {
		t = &marketToken{}
		c.markets[marketID] = t
	}
	return t
}

// Forget drops the serialization token of a retired market.
func (c *Coordinator) Forget(marketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markets, marketID)
}

// TryExecute runs the signal unless the market is already mid-action.
// Returns false when the market was busy.
func (c *Coordinator) TryExecute(ctx context.Context, marketID string, sig models.Signal) (bool, error) {
	t := c.token(marketID)
	if !t.mu.TryLock() {
		return false, nil
	}
	defer t.mu.Unlock()
	return true, c.execute(ctx, marketID, sig)
}

// Execute runs the signal, waiting for the market's serialization
// token.
func (c *Coordinator) Execute(ctx context.Context, marketID string, sig models.Signal) error {
	t := c.token(marketID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return c.execute(ctx, marketID, sig)
}

func (c *Coordinator) execute(ctx context.Context, marketID string, sig models.Signal) error {
	if sig.IsNoop() {
		return nil
	}

	snap, ok := c.store.Snapshot(marketID)
	if !ok {
		return fmt.Errorf("market %s not registered", marketID)
	}

	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{
		"market_id": marketID,
		"action":    string(sig.Action),
		"side":      string(sig.Side),
		"reason":    sig.Reason,
	})

	if !c.config.Engine.TradingEnabled {
		// Dry run: the signal is observable on the bus but no venue
		// call happens and no position is recorded.
		log.WithFields(logger.Fields{
			"size":     sig.Size.String(),
			"price":    sig.Price.String(),
			"order_id": NewDryRunOrderID(),
		}).Info("dry run, skipping venue call")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Execution.OrderTimeout.Std())
	defer cancel()

	switch sig.Action {
	case models.ActionEnterYes, models.ActionEnterNo:
		return c.executeEntry(ctx, snap, sig, log)
	case models.ActionExitMarket, models.ActionForceUnwind:
		return c.executeUnwind(ctx, snap, sig, log)
	case models.ActionPlaceTPLimit:
		return c.executeTPLimit(ctx, snap, sig, log)
	default:
		return fmt.Errorf("unsupported action %q", sig.Action)
	}
}

// executeEntry buys the signalled side with a marketable IOC order.
func (c *Coordinator) executeEntry(ctx context.Context, snap *models.MarketContext, sig models.Signal, log *logger.Entry) error {
	marketID := snap.Descriptor.MarketID
	resp, err := c.client.PlaceOrder(ctx, venue.OrderRequest{
		Market: marketID,
		Token:  snap.Descriptor.Token(sig.Side),
		Side:   "BUY",
		Size:   sig.Size,
		Price:  sig.Price,
		Type:   venue.OrderTypeMarket,
		TIF:    "IOC",
	})
	if err != nil {
		log.WithError(err).Warn("entry order failed")
		return err
	}
	if resp.FilledSize.LessThanOrEqual(decimal.Zero) {
		log.WithFields(logger.Fields{"status": resp.Status}).Warn("entry order not filled")
		return nil
	}

	fillPrice := resp.AvgPrice
	if fillPrice.IsZero() {
		fillPrice = sig.Price
	}

	c.store.Update(marketID, func(mc *models.MarketContext) {
		mc.Positions = append(mc.Positions, models.Position{
			Side:        sig.Side,
			Size:        resp.FilledSize,
			EntryPrice:  fillPrice,
			EntryTime:   time.Now(),
			IsHighScalp: sig.IsHighScalp,
			DCALevel:    sig.DCALevel,
		})
		if sig.IsHighScalp {
			mc.HighScalpCount++
		}
	})
	logger.IncrementFillApplied()

	log.WithFields(logger.Fields{
		"size":  resp.FilledSize.String(),
		"price": fillPrice.String(),
	}).Info("entry filled")

	c.bus.Publish(models.EventTradeExecuted, models.TradeExecuted{
		MarketID: marketID,
		Action:   sig.Action,
		Side:     sig.Side,
		Size:     resp.FilledSize,
		Price:    fillPrice,
		Reason:   sig.Reason,
		TS:       time.Now(),
	}, time.Now())
	return nil
}

// executeUnwind closes the held side by buying the opposite token at
// market. EXIT_MARKET takes every position on the side; FORCE_UNWIND
// only the LEVEL ladder.
func (c *Coordinator) executeUnwind(ctx context.Context, snap *models.MarketContext, sig models.Signal, log *logger.Entry) error {
	marketID := snap.Descriptor.MarketID

	// Resting TP orders for the side are cancelled first so the venue
	// position and the ladder close out together.
	if err := c.cancelTPOrders(ctx, marketID, &sig.Side); err != nil {
		log.WithError(err).Warn("tp cancellation before unwind failed")
	}

	resp, err := c.client.PlaceOrder(ctx, venue.OrderRequest{
		Market: marketID,
		Token:  snap.Descriptor.Token(sig.Side.Opposite()),
		Side:   "BUY",
		Size:   sig.Size,
		Price:  sig.Price,
		Type:   venue.OrderTypeMarket,
		TIF:    "IOC",
	})
	if err != nil {
		log.WithError(err).Warn("unwind order failed")
		return err
	}
	if resp.FilledSize.LessThanOrEqual(decimal.Zero) {
		log.WithFields(logger.Fields{"status": resp.Status}).Warn("unwind order not filled")
		return nil
	}

	fillPrice := resp.AvgPrice
	if fillPrice.IsZero() {
		fillPrice = sig.Price
	}

	levelOnly := sig.Action == models.ActionForceUnwind
	pnl := c.closeSide(marketID, sig.Side, levelOnly, func(p models.Position) decimal.Decimal {
		return p.UnwindPnL(fillPrice)
	})
	logger.IncrementFillApplied()

	log.WithFields(logger.Fields{
		"size":  resp.FilledSize.String(),
		"price": fillPrice.String(),
		"pnl":   pnl.String(),
	}).Info("unwind filled")

	c.bus.Publish(models.EventTradeExecuted, models.TradeExecuted{
		MarketID: marketID,
		Action:   sig.Action,
		Side:     sig.Side,
		Size:     resp.FilledSize,
		Price:    fillPrice,
		PnL:      &pnl,
		Reason:   sig.Reason,
		TS:       time.Now(),
	}, time.Now())
	return nil
}

// executeTPLimit replaces any resting take-profit with a fresh
// post-only limit and records the order id.
func (c *Coordinator) executeTPLimit(ctx context.Context, snap *models.MarketContext, sig models.Signal, log *logger.Entry) error {
	marketID := snap.Descriptor.MarketID

	if err := c.cancelTPOrders(ctx, marketID, &sig.Side); err != nil {
		return err
	}

	resp, err := c.client.PlaceOrder(ctx, venue.OrderRequest{
		Market: marketID,
		Token:  snap.Descriptor.Token(sig.Side),
		Side:   "SELL",
		Size:   sig.Size,
		Price:  sig.Price,
		Type:   venue.OrderTypeLimitPostOnly,
		TIF:    "GTC",
	})
	if err != nil {
		log.WithError(err).Warn("tp limit placement failed")
		return err
	}

	c.store.Update(marketID, func(mc *models.MarketContext) {
		mc.ActiveTPOrderIDs[resp.OrderID] = sig.Side
	})

	log.WithFields(logger.Fields{
		"order_id": resp.OrderID,
		"price":    sig.Price.String(),
		"size":     sig.Size.String(),
	}).Info("tp limit resting")
	return nil
}

// cancelTPOrders cancels resting take-profits, all of them when side
// is nil. Each cancel is retried with backoff before giving up.
func (c *Coordinator) cancelTPOrders(ctx context.Context, marketID string, side *models.Side) error {
	snap, ok := c.store.Snapshot(marketID)
	if !ok {
		return nil
	}

	var lastErr error
	for orderID, orderSide := range snap.ActiveTPOrderIDs {
		if side != nil && orderSide != *side {
			continue
		}
		if err := c.cancelWithRetry(ctx, orderID); err != nil {
			lastErr = err
			c.log.WithComponent("coordinator").WithError(err).WithFields(logger.Fields{
				"market_id": marketID,
				"order_id":  orderID,
			}).Error("tp cancel failed after retries, reconciliation required")
			continue
		}
		c.store.Update(marketID, func(mc *models.MarketContext) {
			delete(mc.ActiveTPOrderIDs, orderID)
		})
	}
	return lastErr
}

func (c *Coordinator) cancelWithRetry(ctx context.Context, orderID string) error {
	retries := c.config.Execution.CancelRetries
	if retries < 1 {
		retries = 1
	}
	backoff := c.config.Execution.CancelBackoff.Std()

	var err error
	for i := 0; i < retries; i++ {
		if err = c.client.CancelOrder(ctx, orderID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// CancelAllTP is the engine's deadline sweep entry point.
func (c *Coordinator) CancelAllTP(ctx context.Context, marketID string) error {
	t := c.token(marketID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !c.config.Engine.TradingEnabled {
		// Dry run never places venue orders, but ids synthesized by
		// tests still need the sweep to restore the invariant.
		c.store.Update(marketID, func(mc *models.MarketContext) {
			mc.ActiveTPOrderIDs = make(map[string]models.Side)
		})
		return nil
	}
	return c.cancelTPOrders(ctx, marketID, nil)
}

// OnFill is the venue callback for resting order executions.
func (c *Coordinator) OnFill(fill venue.Fill) {
	marketID, side, tracked := c.findTPOrder(fill.OrderID)
	if !tracked {
		detail := fmt.Sprintf("fill for unknown order %s", fill.OrderID)
		c.log.WithComponent("coordinator").WithFields(logger.Fields{"order_id": fill.OrderID}).Error(detail)
		c.bus.Publish(models.EventError, models.ErrorEvent{
			Kind:   venue.KindInvariant.String(),
			Detail: detail,
			TS:     time.Now(),
		}, time.Now())
		if c.onInvariant != nil {
			c.onInvariant(marketID, detail)
		}
		return
	}

	t := c.token(marketID)
	t.mu.Lock()
	defer t.mu.Unlock()

	c.store.Update(marketID, func(mc *models.MarketContext) {
		delete(mc.ActiveTPOrderIDs, fill.OrderID)
	})

	// A TP fill sells the ladder at the resting price.
	pnl := c.closeSide(marketID, side, true, func(p models.Position) decimal.Decimal {
		return p.Size.Mul(fill.Price.Sub(p.EntryPrice))
	})
	logger.IncrementFillApplied()

	c.log.WithComponent("coordinator").WithFields(logger.Fields{
		"market_id": marketID,
		"order_id":  fill.OrderID,
		"price":     fill.Price.String(),
		"pnl":       pnl.String(),
	}).Info("tp limit filled")

	c.bus.Publish(models.EventTradeExecuted, models.TradeExecuted{
		MarketID: marketID,
		Action:   models.ActionPlaceTPLimit,
		Side:     side,
		Size:     fill.Size,
		Price:    fill.Price,
		PnL:      &pnl,
		Reason:   fmt.Sprintf("tp@%s", fill.Price.String()),
		TS:       fill.TS,
	}, fill.TS)
}

// OnCancel is the venue callback for confirmed cancellations.
func (c *Coordinator) OnCancel(orderID string) {
	marketID, _, tracked := c.findTPOrder(orderID)
	if !tracked {
		return
	}
	c.store.Update(marketID, func(mc *models.MarketContext) {
		delete(mc.ActiveTPOrderIDs, orderID)
	})
}

func (c *Coordinator) findTPOrder(orderID string) (string, models.Side, bool) {
	for _, id := range c.store.IDs() {
		snap, ok := c.store.Snapshot(id)
		if !ok {
			continue
		}
		if side, ok := snap.ActiveTPOrderIDs[orderID]; ok {
			return id, side, true
		}
	}
	return "", models.SideYes, false
}

// closeSide removes the side's positions (optionally LEVEL only),
// accumulates realized PnL via perPosition and increments the cycle
// counter when the last LEVEL position closes.
func (c *Coordinator) closeSide(marketID string, side models.Side, levelOnly bool, perPosition func(models.Position) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero

	c.store.Update(marketID, func(mc *models.MarketContext) {
		levelBefore := 0
		for _, p := range mc.Positions {
			if !p.IsHighScalp {
				levelBefore++
			}
		}

		kept := mc.Positions[:0]
		closedLevel := false
		for _, p := range mc.Positions {
			closes := p.Side == side && (!levelOnly || !p.IsHighScalp)
			if !closes {
				kept = append(kept, p)
				continue
			}
			total = total.Add(perPosition(p))
			if !p.IsHighScalp {
				closedLevel = true
			}
		}
		mc.Positions = append([]models.Position(nil), kept...)

		levelAfter := 0
		for _, p := range mc.Positions {
			if !p.IsHighScalp {
				levelAfter++
			}
		}
		if closedLevel && levelBefore > 0 && levelAfter == 0 {
			mc.CompletedCycles++
		}
	})

	c.recordRealized(total)
	return total
}

func (c *Coordinator) recordRealized(pnl decimal.Decimal) {
	c.pnlMu.Lock()
	defer c.pnlMu.Unlock()
	c.realizedPnL = c.realizedPnL.Add(pnl)
	c.completedTrades++
	if pnl.GreaterThan(decimal.Zero) {
		c.winningTrades++
	}
}

// RealizedPnL returns the running realized total.
func (c *Coordinator) RealizedPnL() decimal.Decimal {
	c.pnlMu.Lock()
	defer c.pnlMu.Unlock()
	return c.realizedPnL
}

// TradeStats returns completed round trips and the win rate.
func (c *Coordinator) TradeStats() (completed int, winRate float64) {
	c.pnlMu.Lock()
	defer c.pnlMu.Unlock()
	if c.completedTrades == 0 {
		return 0, 0
	}
	return c.completedTrades, float64(c.winningTrades) / float64(c.completedTrades)
}

// NewDryRunOrderID labels synthetic ids in tests and simulations.
func NewDryRunOrderID() string {
	return "dry-" + uuid.New().String()
}
