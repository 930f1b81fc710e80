package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// OrderBookLevel is a single price level of a token book.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a value snapshot of one token's L2 book: bids sorted
// descending, asks ascending. Either side may be empty.
type OrderBook struct {
	Token     Token            `json:"token"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Sequence  int64            `json:"sequence"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// BestBid returns the highest bid, nil when the side is empty.
func (b OrderBook) BestBid() *OrderBookLevel {
	if len(b.Bids) == 0 {
		return nil
	}
	l := b.Bids[0]
	return &l
}

// BestAsk returns the lowest ask, nil when the side is empty.
func (b OrderBook) BestAsk() *OrderBookLevel {
	if len(b.Asks) == 0 {
		return nil
	}
	l := b.Asks[0]
	return &l
}

// SortLevels orders bids descending and asks ascending in place.
func (b *OrderBook) SortLevels() {
	sort.Slice(b.Bids, func(i, j int) bool {
		return b.Bids[i].Price.GreaterThan(b.Bids[j].Price)
	})
	sort.Slice(b.Asks, func(i, j int) bool {
		return b.Asks[i].Price.LessThan(b.Asks[j].Price)
	})
}

// RawBookMessage is an undecoded frame from the venue market stream,
// tagged with arrival time so downstream stages can measure lag.
type RawBookMessage struct {
	Data      []byte
	Timestamp time.Time
}

// SpotTick is one trade-price observation from an external spot feed.
type SpotTick struct {
	Source    string
	Price     decimal.Decimal
	Timestamp time.Time
}
