package book

import (
	"time"

	"github.com/shopspring/decimal"

	"polyscalp/models"
)

// tokenBook is the live L2 state for one token. Levels are keyed by
// their canonical price string so decimal equality is exact. Callers
// hold the tracker's per-token lock around every method.
type tokenBook struct {
	token     models.Token
	bids      map[string]models.OrderBookLevel
	asks      map[string]models.OrderBookLevel
	seq       int64
	synced    bool
	updatedAt time.Time
}

func newTokenBook(token models.Token) *tokenBook {
	return &tokenBook{
		token: token,
		bids:  make(map[string]models.OrderBookLevel),
		asks:  make(map[string]models.OrderBookLevel),
	}
}

// applySnapshot replaces the whole book atomically.
func (b *tokenBook) applySnapshot(bids, asks []models.OrderBookLevel, seq int64, ts time.Time) {
	b.bids = make(map[string]models.OrderBookLevel, len(bids))
	b.asks = make(map[string]models.OrderBookLevel, len(asks))
	for _, l := range bids {
		if l.Size.GreaterThan(decimal.Zero) {
			b.bids[l.Price.String()] = l
		}
	}
	for _, l := range asks {
		if l.Size.GreaterThan(decimal.Zero) {
			b.asks[l.Price.String()] = l
		}
	}
	b.seq = seq
	b.synced = true
	b.updatedAt = ts
}

// applyDelta upserts or removes a single level. Returns false when a
// sequence gap was detected; the caller must drop the book and request
// a fresh snapshot.
func (b *tokenBook) applyDelta(side string, price, size decimal.Decimal, seq int64, ts time.Time) bool {
	if !b.synced {
		// Deltas before the first snapshot are ignored; the snapshot
		// request is already in flight.
		return true
	}
	if seq > 0 && b.seq > 0 && seq > b.seq+1 {
		return false
	}
	if seq > b.seq {
		b.seq = seq
	}

	var levels map[string]models.OrderBookLevel
	switch side {
	case "BUY", "bid":
		levels = b.bids
	case "SELL", "ask":
		levels = b.asks
	default:
		return true
	}

	key := price.String()
	if size.LessThanOrEqual(decimal.Zero) {
		delete(levels, key)
	} else {
		levels[key] = models.OrderBookLevel{Price: price, Size: size}
	}
	b.updatedAt = ts
	return true
}

// drop clears the book, typically after a sequence gap or reconnect.
// Prices read as null until the next snapshot arrives.
func (b *tokenBook) drop() {
	b.bids = make(map[string]models.OrderBookLevel)
	b.asks = make(map[string]models.OrderBookLevel)
	b.synced = false
}

func (b *tokenBook) bestBid() *decimal.Decimal {
	if !b.synced {
		return nil
	}
	var best *decimal.Decimal
	for _, l := range b.bids {
		p := l.Price
		if best == nil || p.GreaterThan(*best) {
			best = &p
		}
	}
	return best
}

func (b *tokenBook) bestAsk() *decimal.Decimal {
	if !b.synced {
		return nil
	}
	var best *decimal.Decimal
	for _, l := range b.asks {
		p := l.Price
		if best == nil || p.LessThan(*best) {
			best = &p
		}
	}
	return best
}

// snapshot deep-copies the book into a sorted value safe to read
// off-thread.
func (b *tokenBook) snapshot() models.OrderBook {
	out := models.OrderBook{
		Token:     b.token,
		Bids:      make([]models.OrderBookLevel, 0, len(b.bids)),
		Asks:      make([]models.OrderBookLevel, 0, len(b.asks)),
		Sequence:  b.seq,
		UpdatedAt: b.updatedAt,
	}
	for _, l := range b.bids {
		out.Bids = append(out.Bids, l)
	}
	for _, l := range b.asks {
		out.Asks = append(out.Asks, l)
	}
	out.SortLevels()
	return out
}
