package spot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/internal/channel"
	"polyscalp/logger"
	"polyscalp/models"
)

type sample struct {
	ts    time.Time
	price decimal.Decimal
}

// Tracker aggregates the external spot price from the enabled feeds.
// Feed readers push ticks into the shared channel; the tracker keeps
// the latest observation per source and a trailing averaged history.
// Every read goes through a single short-held mutex.
type Tracker struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	latest  map[string]models.SpotTick
	history []sample

	feeds []Feed
}

// Feed is one external exchange connection.
type Feed interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

func NewTracker(cfg *appconfig.Config, ch *channel.Channels, feeds ...Feed) *Tracker {
	return &Tracker{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		latest:   make(map[string]models.SpotTick),
		feeds:    feeds,
	}
}

// Start launches the enabled feeds, the tick consumer and the snapshot
// loop that appends one averaged sample per second.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("spot tracker already running")
	}
	t.running = true
	t.ctx = ctx
	t.mu.Unlock()

	log := t.log.WithComponent("spot_tracker").WithFields(logger.Fields{"operation": "start"})

	started := 0
	for _, f := range t.feeds {
		if err := f.Start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"feed": f.Name()}).Warn("spot feed failed to start")
			continue
		}
		started++
	}
	if started == 0 {
		log.Warn("no spot feeds started; price will stay unavailable")
	}

	t.wg.Add(1)
	go t.consume()

	t.wg.Add(1)
	go t.snapshotLoop()

	log.WithFields(logger.Fields{"feeds": started}).Info("spot tracker started")
	return nil
}

// Stop terminates the feeds and waits for the worker goroutines.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	for _, f := range t.feeds {
		f.Stop()
	}
	t.wg.Wait()
	t.log.WithComponent("spot_tracker").Info("spot tracker stopped")
}

func (t *Tracker) consume() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case tick, ok := <-t.channels.SpotTicks:
			if !ok {
				return
			}
			if tick.Price.LessThanOrEqual(decimal.Zero) {
				continue
			}
			t.mu.Lock()
			t.latest[tick.Source] = tick
			t.mu.Unlock()
			logger.IncrementSpotRead(1)
		}
	}
}

func (t *Tracker) snapshotLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.capture(time.Now())
		}
	}
}

func (t *Tracker) capture(now time.Time) {
	price, ok := t.aggregate(now)
	if !ok {
		return
	}
	t.mu.Lock()
	t.history = append(t.history, sample{ts: now, price: price})
	cutoff := now.Add(-t.config.Spot.Retention.Std())
	trim := 0
	for trim < len(t.history) && t.history[trim].ts.Before(cutoff) {
		trim++
	}
	if trim > 0 {
		t.history = append([]sample(nil), t.history[trim:]...)
	}
	t.mu.Unlock()
}

// aggregate averages the sources with a fresh quote. A single fresh
// source is accepted; none means no price.
func (t *Tracker) aggregate(now time.Time) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	fresh := make([]decimal.Decimal, 0, len(t.latest))
	for _, tick := range t.latest {
		if now.Sub(tick.Timestamp) < t.config.Spot.Freshness.Std() {
			fresh = append(fresh, tick.Price)
		}
	}
	if len(fresh) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, p := range fresh {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(fresh)))), true
}

// GetCurrentPrice returns the averaged spot price, nil when every feed
// is stale.
func (t *Tracker) GetCurrentPrice() *decimal.Decimal {
	price, ok := t.aggregate(time.Now())
	if !ok {
		return nil
	}
	return &price
}

// GetPriceChangeSince returns (current-historical)/historical using the
// linearly interpolated sample secondsAgo in the past, nil when history
// is insufficient.
func (t *Tracker) GetPriceChangeSince(secondsAgo int) *decimal.Decimal {
	current := t.GetCurrentPrice()
	if current == nil {
		return nil
	}

	cutoff := time.Now().Add(-time.Duration(secondsAgo) * time.Second)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.history) == 0 || t.history[0].ts.After(cutoff) {
		return nil
	}

	var before, after *sample
	for i := range t.history {
		s := t.history[i]
		if !s.ts.After(cutoff) {
			before = &t.history[i]
		} else {
			after = &t.history[i]
			break
		}
	}
	if before == nil {
		return nil
	}

	historical := before.price
	if after != nil && after.ts.After(before.ts) {
		// Linear interpolation between the straddling samples.
		span := after.ts.Sub(before.ts).Seconds()
		frac := cutoff.Sub(before.ts).Seconds() / span
		historical = before.price.Add(after.price.Sub(before.price).Mul(decimal.NewFromFloat(frac)))
	}
	if historical.IsZero() {
		return nil
	}

	change := current.Sub(historical).Div(historical)
	return &change
}

// PredictOutcome compares the current spot price to the market open
// price. Advisory only; the entry and DCA rules do not depend on it.
func (t *Tracker) PredictOutcome(openPrice decimal.Decimal) string {
	current := t.GetCurrentPrice()
	if current == nil || openPrice.IsZero() {
		return "UNKNOWN"
	}
	switch {
	case current.GreaterThan(openPrice):
		return "UP"
	case current.LessThan(openPrice):
		return "DOWN"
	default:
		return "FLAT"
	}
}

// FeedStatus reports per-source freshness for the status surface.
func (t *Tracker) FeedStatus() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.latest))
	now := time.Now()
	for source, tick := range t.latest {
		out[source] = now.Sub(tick.Timestamp).Seconds()
	}
	return out
}
