package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyscalp/logger"
	"polyscalp/models"
)

// entry pairs a live context with its lock. The store-wide mutex only
// guards the map spine so distinct markets mutate in parallel.
type entry struct {
	mu  sync.Mutex
	ctx *models.MarketContext
}

// Store is the thread-safe registry of per-market runtime state.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *logger.Log
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		log:     logger.GetLogger(),
	}
}

// Add registers a new market. Adding an existing id is an error.
func (s *Store) Add(descriptor models.MarketDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[descriptor.MarketID]; ok {
		return fmt.Errorf("market %s already registered", descriptor.MarketID)
	}
	s.entries[descriptor.MarketID] = &entry{
		ctx: &models.MarketContext{
			Descriptor:       descriptor,
			ActiveTPOrderIDs: make(map[string]models.Side),
		},
	}
	s.log.WithComponent("market_store").WithFields(logger.Fields{
		"market_id": descriptor.MarketID,
		"question":  descriptor.Question,
	}).Info("market registered")
	return nil
}

// Remove drops the market from the registry.
func (s *Store) Remove(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, marketID)
}

// Has reports whether the market is registered.
func (s *Store) Has(marketID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[marketID]
	return ok
}

// Count returns the number of registered markets.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IDs returns the registered market ids.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

func (s *Store) lookup(marketID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[marketID]
	return e, ok
}

// Snapshot returns a deep copy of the market's mutable state taken
// under the per-context lock. The evaluator only reads snapshots.
func (s *Store) Snapshot(marketID string) (*models.MarketContext, bool) {
	e, ok := s.lookup(marketID)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx.Clone(), true
}

// SnapshotAll deep-copies every registered context.
func (s *Store) SnapshotAll() []*models.MarketContext {
	ids := s.IDs()
	out := make([]*models.MarketContext, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Update runs fn with the live context under the per-context lock.
func (s *Store) Update(marketID string, fn func(*models.MarketContext)) bool {
	e, ok := s.lookup(marketID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.ctx)
	return true
}

// SetPrices stores the latest top of book for one side of the market.
func (s *Store) SetPrices(marketID string, side models.Side, bid, ask *decimal.Decimal) bool {
	return s.Update(marketID, func(ctx *models.MarketContext) {
		if side == models.SideYes {
			ctx.YesBid, ctx.YesAsk = bid, ask
		} else {
			ctx.NoBid, ctx.NoAsk = bid, ask
		}
	})
}

// MarkQuarantined flags the market so the engine stops signalling it.
func (s *Store) MarkQuarantined(marketID string) {
	s.Update(marketID, func(ctx *models.MarketContext) {
		ctx.Quarantined = true
	})
}

// QuarantinedCount reports how many markets are quarantined.
func (s *Store) QuarantinedCount() int {
	count := 0
	for _, id := range s.IDs() {
		if snap, ok := s.Snapshot(id); ok && snap.Quarantined {
			count++
		}
	}
	return count
}

// Expired returns markets past end time plus grace with no open
// positions and no resting orders, ready to be retired.
func (s *Store) Expired(now time.Time, grace time.Duration) []string {
	var out []string
	for _, id := range s.IDs() {
		snap, ok := s.Snapshot(id)
		if !ok {
			continue
		}
		if now.After(snap.Descriptor.EndTime.Add(grace)) &&
			len(snap.Positions) == 0 && len(snap.ActiveTPOrderIDs) == 0 {
			out = append(out, id)
		}
	}
	return out
}
