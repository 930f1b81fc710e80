package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/internal/channel"
	"polyscalp/models"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Venue: appconfig.VenueConfig{
			WSURL:     "wss://example.invalid/ws/market",
			Reconnect: appconfig.ReconnectConfig{BaseDelay: appconfig.Duration(time.Millisecond), MaxDelay: appconfig.Duration(time.Millisecond)},
			Health:    appconfig.StreamHealthCheck{CheckInterval: appconfig.Duration(time.Second), StaleAfter: appconfig.Duration(time.Minute)},
		},
	}
}

func newTestTracker() *Tracker {
	return NewTracker(testConfig(), channel.NewChannels(16, 16))
}

func frame(data string) models.RawBookMessage {
	return models.RawBookMessage{Data: []byte(data), Timestamp: time.Now()}
}

func TestSnapshotSetsTopOfBook(t *testing.T) {
	tr := newTestTracker()
	tr.Subscribe([]models.Token{"tok-1"}, nil)

	tr.handleFrame(frame(`{"event_type":"book","asset_id":"tok-1","sequence":10,
		"bids":[{"price":"0.30","size":"100"},{"price":"0.29","size":"50"}],
		"asks":[{"price":"0.33","size":"80"},{"price":"0.35","size":"40"}]}`))

	bid, ask := tr.GetPrice("tok-1")
	if bid == nil || !bid.Equal(decimal.RequireFromString("0.30")) {
		t.Fatalf("unexpected best bid %v", bid)
	}
	if ask == nil || !ask.Equal(decimal.RequireFromString("0.33")) {
		t.Fatalf("unexpected best ask %v", ask)
	}
}

func TestPriceBeforeSnapshotIsNull(t *testing.T) {
	tr := newTestTracker()
	tr.Subscribe([]models.Token{"tok-1"}, nil)

	bid, ask := tr.GetPrice("tok-1")
	if bid != nil || ask != nil {
		t.Fatalf("prices must be null before the first snapshot, got %v/%v", bid, ask)
	}
}

func TestDeltaUpsertAndRemove(t *testing.T) {
	tr := newTestTracker()
	tr.Subscribe([]models.Token{"tok-1"}, nil)

	tr.handleFrame(frame(`{"event_type":"book","asset_id":"tok-1","sequence":1,
		"bids":[{"price":"0.30","size":"100"}],
		"asks":[{"price":"0.33","size":"80"}]}`))

	// A better ask appears.
	tr.handleFrame(frame(`{"event_type":"price_change","changes":[
		{"asset_id":"tok-1","price":"0.32","size":"10","side":"SELL","sequence":2}]}`))
	_, ask := tr.GetPrice("tok-1")
	if !ask.Equal(decimal.RequireFromString("0.32")) {
		t.Fatalf("expected best ask 0.32, got %v", ask)
	}

	// Zero size removes the level, restoring the previous best.
	tr.handleFrame(frame(`{"event_type":"price_change","changes":[
		{"asset_id":"tok-1","price":"0.32","size":"0","side":"SELL","sequence":3}]}`))
	_, ask = tr.GetPrice("tok-1")
	if !ask.Equal(decimal.RequireFromString("0.33")) {
		t.Fatalf("expected best ask back at 0.33, got %v", ask)
	}
}

func TestCallbackFiresOnTopOfBookChangeOnly(t *testing.T) {
	tr := newTestTracker()

	var calls int
	tr.Subscribe([]models.Token{"tok-1"}, func(token models.Token, ob models.OrderBook) {
		calls++
	})

	tr.handleFrame(frame(`{"event_type":"book","asset_id":"tok-1","sequence":1,
		"bids":[{"price":"0.30","size":"100"}],
		"asks":[{"price":"0.33","size":"80"}]}`))
	if calls != 1 {
		t.Fatalf("expected callback on snapshot, got %d calls", calls)
	}

	// A sub-top change must not emit.
	tr.handleFrame(frame(`{"event_type":"price_change","changes":[
		{"asset_id":"tok-1","price":"0.20","size":"5","side":"BUY","sequence":2}]}`))
	if calls != 1 {
		t.Fatalf("sub-top change must not emit, got %d calls", calls)
	}

	// A new best bid must emit.
	tr.handleFrame(frame(`{"event_type":"price_change","changes":[
		{"asset_id":"tok-1","price":"0.31","size":"5","side":"BUY","sequence":3}]}`))
	if calls != 2 {
		t.Fatalf("top-of-book change must emit, got %d calls", calls)
	}
}

func TestSequenceGapDropsBook(t *testing.T) {
	tr := newTestTracker()
	tr.Subscribe([]models.Token{"tok-1"}, nil)

	tr.handleFrame(frame(`{"event_type":"book","asset_id":"tok-1","sequence":5,
		"bids":[{"price":"0.30","size":"100"}],
		"asks":[{"price":"0.33","size":"80"}]}`))

	// Sequence jumps from 5 to 9: the book is dropped.
	tr.handleFrame(frame(`{"event_type":"price_change","changes":[
		{"asset_id":"tok-1","price":"0.31","size":"5","side":"BUY","sequence":9}]}`))

	bid, ask := tr.GetPrice("tok-1")
	if bid != nil || ask != nil {
		t.Fatalf("prices must read null during the gap window, got %v/%v", bid, ask)
	}

	// A fresh snapshot restores the book.
	tr.handleFrame(frame(`{"event_type":"book","asset_id":"tok-1","sequence":12,
		"bids":[{"price":"0.31","size":"10"}],
		"asks":[{"price":"0.34","size":"10"}]}`))
	bid, ask = tr.GetPrice("tok-1")
	if bid == nil || ask == nil {
		t.Fatalf("snapshot after gap must restore prices")
	}
}

func TestGetBookSnapshotIsDeepCopy(t *testing.T) {
	tr := newTestTracker()
	tr.Subscribe([]models.Token{"tok-1"}, nil)

	tr.handleFrame(frame(`{"event_type":"book","asset_id":"tok-1","sequence":1,
		"bids":[{"price":"0.30","size":"100"}],
		"asks":[{"price":"0.33","size":"80"}]}`))

	snap, ok := tr.GetBookSnapshot("tok-1")
	if !ok {
		t.Fatalf("expected snapshot")
	}

	// Mutate the live book; the snapshot must not move.
	tr.handleFrame(frame(`{"event_type":"price_change","changes":[
		{"asset_id":"tok-1","price":"0.40","size":"9","side":"BUY","sequence":2}]}`))

	if best := snap.BestBid(); best == nil || !best.Price.Equal(decimal.RequireFromString("0.30")) {
		t.Fatalf("snapshot mutated by live update: %+v", snap.Bids)
	}
}

func TestUnsubscribeStopsCallbacks(t *testing.T) {
	tr := newTestTracker()

	var calls int
	tr.Subscribe([]models.Token{"tok-1"}, func(models.Token, models.OrderBook) { calls++ })
	tr.Unsubscribe([]models.Token{"tok-1"})

	tr.handleFrame(frame(`{"event_type":"book","asset_id":"tok-1","sequence":1,
		"bids":[{"price":"0.30","size":"1"}],"asks":[{"price":"0.31","size":"1"}]}`))
	if calls != 0 {
		t.Fatalf("callbacks must stop after unsubscribe, got %d", calls)
	}

	if _, ok := tr.GetBookSnapshot("tok-1"); ok {
		t.Fatalf("snapshot must be unavailable after unsubscribe")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	tr := newTestTracker()
	tr.Subscribe([]models.Token{"tok-1"}, nil)
	tr.Subscribe([]models.Token{"tok-1"}, nil)

	tr.handleFrame(frame(`{"event_type":"book","asset_id":"tok-1","sequence":1,
		"bids":[{"price":"0.30","size":"1"}],"asks":[{"price":"0.31","size":"1"}]}`))

	if got := len(tr.subscribedTokens()); got != 1 {
		t.Fatalf("duplicate subscriptions must coalesce, got %d tokens", got)
	}
}

func TestInvalidateAllNullsPrices(t *testing.T) {
	tr := newTestTracker()
	tr.Subscribe([]models.Token{"tok-1"}, nil)

	tr.handleFrame(frame(`{"event_type":"book","asset_id":"tok-1","sequence":1,
		"bids":[{"price":"0.30","size":"1"}],"asks":[{"price":"0.31","size":"1"}]}`))

	tr.invalidateAll()

	bid, ask := tr.GetPrice("tok-1")
	if bid != nil || ask != nil {
		t.Fatalf("reconnect must null prices until fresh snapshots, got %v/%v", bid, ask)
	}
}
