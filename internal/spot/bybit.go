package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/internal/channel"
	"polyscalp/logger"
	"polyscalp/models"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

// BybitFeed polls the Bybit spot order book and derives a mid-price
// reference. Disabled by default; enable it as a replacement when one
// of the streaming feeds is unavailable.
type BybitFeed struct {
	config   *appconfig.Config
	client   *bybit.Client
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

type bybitOrderbookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	TS     int64      `json:"ts"`
}

func NewBybitFeed(cfg *appconfig.Config, ch *channel.Channels) *BybitFeed {
	base := cfg.Spot.Bybit.URL
	if parsed, err := url.Parse(base); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("https://%s", parsed.Host)
	}

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))

	return &BybitFeed{
		config:   cfg,
		client:   client,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (f *BybitFeed) Name() string { return "bybit" }

func (f *BybitFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("bybit spot feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	cfg := f.config.Spot.Bybit
	log := f.log.WithComponent("spot_bybit").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("bybit spot feed is disabled")
		return fmt.Errorf("bybit spot feed is disabled")
	}

	symbol := cfg.Symbol
	if symbol == "" {
		symbol = f.config.Spot.Symbol
	}

	f.wg.Add(1)
	go f.pollWorker(symbol)

	log.WithFields(logger.Fields{"symbol": symbol}).Info("bybit spot feed started")
	return nil
}

func (f *BybitFeed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.wg.Wait()
	f.log.WithComponent("spot_bybit").Info("bybit spot feed stopped")
}

func (f *BybitFeed) pollWorker(symbol string) {
	defer f.wg.Done()

	log := f.log.WithComponent("spot_bybit").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "orderbook_poll",
	})

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.fetchMid(symbol, log)
		}
	}
}

func (f *BybitFeed) fetchMid(symbol string, log *logger.Entry) {
	params := map[string]interface{}{
		"category": "spot",
		"symbol":   symbol,
		"limit":    1,
	}

	start := time.Now()
	resp, err := f.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(f.ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch bybit orderbook")
		return
	}
	logger.LogPerformanceEntry(log, "spot_bybit", "api_request", time.Since(start), logger.Fields{"symbol": symbol})

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		log.WithError(err).Warn("failed to marshal bybit orderbook")
		return
	}

	var book bybitOrderbookResult
	if err := json.Unmarshal(payload, &book); err != nil {
		log.WithError(err).Warn("failed to decode bybit orderbook")
		return
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}

	bid, err1 := decimal.NewFromString(book.Bids[0][0])
	ask, err2 := decimal.NewFromString(book.Asks[0][0])
	if err1 != nil || err2 != nil || bid.LessThanOrEqual(decimal.Zero) || ask.LessThanOrEqual(decimal.Zero) {
		return
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	tick := models.SpotTick{
		Source:    "bybit",
		Price:     mid,
		Timestamp: time.Now(),
	}
	if !f.channels.SendSpotTick(f.ctx, tick) && f.ctx.Err() == nil {
		log.Warn("spot tick channel full, dropping bybit tick")
	}
}
