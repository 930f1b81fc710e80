package book

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/internal/channel"
	"polyscalp/logger"
	"polyscalp/models"
)

// UpdateFunc receives a consistent snapshot after a top-of-book change.
// It is always invoked outside the tracker's critical sections.
type UpdateFunc func(models.Token, models.OrderBook)

type tokenEntry struct {
	mu        sync.Mutex
	book      *tokenBook
	callbacks []UpdateFunc
}

// bookMessage covers both message shapes of the venue market stream:
// full book snapshots and incremental price changes.
type bookMessage struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Bids      []wireLevel     `json:"bids"`
	Asks      []wireLevel     `json:"asks"`
	Sequence  int64           `json:"sequence"`
	Changes   []wirePriceEdit `json:"changes"`

	// Older stream revisions inline price changes instead of using
	// the changes array.
	PriceChanges []wirePriceEdit `json:"price_changes"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wirePriceEdit struct {
	AssetID  string `json:"asset_id"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	Side     string `json:"side"`
	Sequence int64  `json:"sequence"`
}

// Tracker maintains per-token books fed by the venue stream and fans
// top-of-book changes out to registered callbacks.
type Tracker struct {
	config   *appconfig.Config
	channels *channel.Channels
	stream   *Stream
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	tokens map[models.Token]*tokenEntry
}

func NewTracker(cfg *appconfig.Config, ch *channel.Channels) *Tracker {
	t := &Tracker{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		tokens:   make(map[models.Token]*tokenEntry),
	}
	t.stream = NewStream(cfg, ch, t.subscribedTokens, t.invalidateAll)
	return t
}

// Start launches the stream and the frame processing worker.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("book tracker already running")
	}
	t.running = true
	t.ctx = ctx
	t.mu.Unlock()

	if err := t.stream.Start(ctx); err != nil {
		return err
	}

	t.wg.Add(1)
	go t.processLoop()

	t.log.WithComponent("book_tracker").Info("book tracker started")
	return nil
}

// Stop terminates the stream and the worker.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.stream.Stop()
	t.wg.Wait()
	t.log.WithComponent("book_tracker").Info("book tracker stopped")
}

// Subscribe registers tokens and a change callback. Duplicate
// subscriptions coalesce onto the existing book.
func (t *Tracker) Subscribe(tokens []models.Token, onUpdate UpdateFunc) {
	var fresh []models.Token

	t.mu.Lock()
	for _, token := range tokens {
		entry, ok := t.tokens[token]
		if !ok {
			entry = &tokenEntry{book: newTokenBook(token)}
			t.tokens[token] = entry
			fresh = append(fresh, token)
		}
		if onUpdate != nil {
			entry.mu.Lock()
			entry.callbacks = append(entry.callbacks, onUpdate)
			entry.mu.Unlock()
		}
	}
	t.mu.Unlock()

	if len(fresh) > 0 {
		t.stream.Subscribe(fresh)
		t.log.WithComponent("book_tracker").WithFields(logger.Fields{"tokens": len(fresh)}).Info("subscribed tokens")
	}
}

// Unsubscribe releases the tokens; callbacks stop firing immediately.
func (t *Tracker) Unsubscribe(tokens []models.Token) {
	var released []models.Token
	t.mu.Lock()
	for _, token := range tokens {
		if _, ok := t.tokens[token]; ok {
			delete(t.tokens, token)
			released = append(released, token)
		}
	}
	t.mu.Unlock()

	if len(released) > 0 {
		t.stream.Unsubscribe(released)
	}
}

// GetPrice returns the latest top of book; either side may be nil.
func (t *Tracker) GetPrice(token models.Token) (bid, ask *decimal.Decimal) {
	t.mu.RLock()
	entry, ok := t.tokens[token]
	t.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.book.bestBid(), entry.book.bestAsk()
}

// GetBookSnapshot returns a deep copy safe to read off-thread.
func (t *Tracker) GetBookSnapshot(token models.Token) (models.OrderBook, bool) {
	t.mu.RLock()
	entry, ok := t.tokens[token]
	t.mu.RUnlock()
	if !ok {
		return models.OrderBook{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.book.snapshot(), true
}

func (t *Tracker) subscribedTokens() []models.Token {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Token, 0, len(t.tokens))
	for token := range t.tokens {
		out = append(out, token)
	}
	return out
}

// invalidateAll drops every book after a reconnect; prices read null
// until the re-subscription snapshots land.
func (t *Tracker) invalidateAll() {
	t.mu.RLock()
	entries := make([]*tokenEntry, 0, len(t.tokens))
	for _, e := range t.tokens {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		e.book.drop()
		e.mu.Unlock()
	}
}

func (t *Tracker) processLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case raw, ok := <-t.channels.RawBook:
			if !ok {
				return
			}
			t.handleFrame(raw)
		}
	}
}

// handleFrame decodes one websocket frame; the venue sends both single
// objects and arrays of objects.
func (t *Tracker) handleFrame(raw models.RawBookMessage) {
	log := t.log.WithComponent("book_tracker")

	var batch []bookMessage
	if err := json.Unmarshal(raw.Data, &batch); err != nil {
		var single bookMessage
		if err := json.Unmarshal(raw.Data, &single); err != nil {
			log.WithError(err).Debug("unparseable frame")
			return
		}
		batch = append(batch, single)
	}

	for i := range batch {
		t.handleMessage(&batch[i], raw.Timestamp)
	}
}

func (t *Tracker) handleMessage(msg *bookMessage, ts time.Time) {
	if msg.AssetID != "" && (len(msg.Bids) > 0 || len(msg.Asks) > 0 || msg.EventType == "book") {
		t.applySnapshot(models.Token(msg.AssetID), msg, ts)
	}

	edits := msg.Changes
	if len(edits) == 0 {
		edits = msg.PriceChanges
	}
	for _, edit := range edits {
		assetID := edit.AssetID
		if assetID == "" {
			assetID = msg.AssetID
		}
		if assetID == "" {
			continue
		}
		t.applyEdit(models.Token(assetID), edit, ts)
	}
}

func (t *Tracker) applySnapshot(token models.Token, msg *bookMessage, ts time.Time) {
	t.mu.RLock()
	entry, ok := t.tokens[token]
	t.mu.RUnlock()
	if !ok {
		return
	}

	bids := decodeLevels(msg.Bids)
	asks := decodeLevels(msg.Asks)

	entry.mu.Lock()
	prevBid, prevAsk := entry.book.bestBid(), entry.book.bestAsk()
	entry.book.applySnapshot(bids, asks, msg.Sequence, ts)
	newBid, newAsk := entry.book.bestBid(), entry.book.bestAsk()
	changed := !decEqual(prevBid, newBid) || !decEqual(prevAsk, newAsk)
	var snapshot models.OrderBook
	var callbacks []UpdateFunc
	if changed {
		snapshot = entry.book.snapshot()
		callbacks = append([]UpdateFunc(nil), entry.callbacks...)
	}
	entry.mu.Unlock()

	for _, cb := range callbacks {
		cb(token, snapshot)
	}
}

func (t *Tracker) applyEdit(token models.Token, edit wirePriceEdit, ts time.Time) {
	t.mu.RLock()
	entry, ok := t.tokens[token]
	t.mu.RUnlock()
	if !ok {
		return
	}

	price, err1 := decimal.NewFromString(edit.Price)
	size, err2 := decimal.NewFromString(edit.Size)
	if err1 != nil || err2 != nil {
		return
	}

	entry.mu.Lock()
	prevBid, prevAsk := entry.book.bestBid(), entry.book.bestAsk()
	applied := entry.book.applyDelta(edit.Side, price, size, edit.Sequence, ts)
	if !applied {
		// Sequence gap: drop the book and ask the venue for a fresh
		// snapshot. GetPrice reads null for this token meanwhile.
		entry.book.drop()
		entry.mu.Unlock()
		t.log.WithComponent("book_tracker").WithFields(logger.Fields{
			"token": string(token),
			"seq":   edit.Sequence,
		}).Warn("sequence gap, requesting snapshot")
		t.stream.RequestSnapshot(token)
		return
	}
	newBid, newAsk := entry.book.bestBid(), entry.book.bestAsk()
	changed := !decEqual(prevBid, newBid) || !decEqual(prevAsk, newAsk)
	var snapshot models.OrderBook
	var callbacks []UpdateFunc
	if changed {
		snapshot = entry.book.snapshot()
		callbacks = append([]UpdateFunc(nil), entry.callbacks...)
	}
	entry.mu.Unlock()

	for _, cb := range callbacks {
		cb(token, snapshot)
	}
}

func decodeLevels(in []wireLevel) []models.OrderBookLevel {
	out := make([]models.OrderBookLevel, 0, len(in))
	for _, l := range in {
		price, err1 := decimal.NewFromString(l.Price)
		size, err2 := decimal.NewFromString(l.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.OrderBookLevel{Price: price, Size: size})
	}
	return out
}

func decEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// StreamStatus exposes the underlying connection health.
func (t *Tracker) StreamStatus() map[string]interface{} {
	return t.stream.Status()
}
