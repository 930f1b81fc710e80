package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/internal/channel"
	"polyscalp/logger"
	"polyscalp/models"
)

// CoinbaseFeed streams last-trade prices from the Coinbase Exchange
// ticker channel over a raw websocket connection.
type CoinbaseFeed struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

type coinbaseSubscribe struct {
	Type     string                 `json:"type"`
	Channels []coinbaseChannelEntry `json:"channels"`
}

type coinbaseChannelEntry struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
}

func NewCoinbaseFeed(cfg *appconfig.Config, ch *channel.Channels) *CoinbaseFeed {
	return &CoinbaseFeed{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (f *CoinbaseFeed) Name() string { return "coinbase" }

func (f *CoinbaseFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("coinbase spot feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	cfg := f.config.Spot.Coinbase
	log := f.log.WithComponent("spot_coinbase").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("coinbase spot feed is disabled")
		return fmt.Errorf("coinbase spot feed is disabled")
	}

	f.wg.Add(1)
	go f.stream(cfg.URL, cfg.Symbol)

	log.WithFields(logger.Fields{"product": cfg.Symbol}).Info("coinbase spot feed started")
	return nil
}

func (f *CoinbaseFeed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.wg.Wait()
	f.log.WithComponent("spot_coinbase").Info("coinbase spot feed stopped")
}

func (f *CoinbaseFeed) stream(wsURL, product string) {
	defer f.wg.Done()

	log := f.log.WithComponent("spot_coinbase").WithFields(logger.Fields{
		"product": product,
		"worker":  "ticker_stream",
	})

	delay := f.config.Spot.Reconnect.BaseDelay.Std()

	for {
		if f.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(f.ctx, wsURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to dial coinbase websocket")
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextDelay(delay, f.config.Spot.Reconnect.MaxDelay.Std())
			continue
		}

		sub := coinbaseSubscribe{
			Type: "subscribe",
			Channels: []coinbaseChannelEntry{
				{Name: "ticker", ProductIDs: []string{product}},
			},
		}
		if err := conn.WriteJSON(sub); err != nil {
			log.WithError(err).Warn("failed to send subscribe message")
			conn.Close()
			continue
		}

		delay = f.config.Spot.Reconnect.BaseDelay.Std()
		f.readLoop(conn, log)
		conn.Close()
	}
}

func (f *CoinbaseFeed) readLoop(conn *websocket.Conn, log *logger.Entry) {
	closer := make(chan struct{})
	defer close(closer)
	go func() {
		select {
		case <-f.ctx.Done():
			conn.Close()
		case <-closer:
		}
	}()

	staleAfter := f.config.Spot.StaleFeed.Std()

	for {
		if staleAfter > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(staleAfter))
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil {
				log.WithError(err).Warn("read error, reconnecting")
			}
			return
		}

		var tick coinbaseTicker
		if err := json.Unmarshal(message, &tick); err != nil {
			continue
		}
		if tick.Type != "ticker" || tick.Price == "" {
			continue
		}
		price, err := decimal.NewFromString(tick.Price)
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			continue
		}

		out := models.SpotTick{
			Source:    "coinbase",
			Price:     price,
			Timestamp: time.Now(),
		}
		if !f.channels.SendSpotTick(f.ctx, out) && f.ctx.Err() == nil {
			log.Warn("spot tick channel full, dropping coinbase tick")
		}
	}
}
