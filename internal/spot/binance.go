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

	binance "github.com/adshao/go-binance/v2"
)

// BinanceFeed streams last-trade prices from the Binance spot
// aggregated trade websocket and forwards them as spot ticks.
type BinanceFeed struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewBinanceFeed(cfg *appconfig.Config, ch *channel.Channels) *BinanceFeed {
	return &BinanceFeed{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (f *BinanceFeed) Name() string { return "binance" }

// Start subscribes to the aggregated trade stream for the configured symbol.
func (f *BinanceFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("binance spot feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	cfg := f.config.Spot.Binance
	log := f.log.WithComponent("spot_binance").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("binance spot feed is disabled")
		return fmt.Errorf("binance spot feed is disabled")
	}

	symbol := cfg.Symbol
	if symbol == "" {
		symbol = f.config.Spot.Symbol
	}

	f.wg.Add(1)
	go f.streamSymbol(symbol)

	log.WithFields(logger.Fields{"symbol": symbol}).Info("binance spot feed started")
	return nil
}

// Stop terminates the websocket subscription.
func (f *BinanceFeed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.wg.Wait()
	f.log.WithComponent("spot_binance").Info("binance spot feed stopped")
}

func (f *BinanceFeed) streamSymbol(symbol string) {
	defer f.wg.Done()

	log := f.log.WithComponent("spot_binance").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "trade_stream",
	})

	delay := f.config.Spot.Reconnect.BaseDelay.Std()

	for {
		if f.ctx.Err() != nil {
			return
		}

		handler := func(event *binance.WsAggTradeEvent) {
			price, err := decimal.NewFromString(event.Price)
			if err != nil || price.LessThanOrEqual(decimal.Zero) {
				return
			}
			tick := models.SpotTick{
				Source:    "binance",
				Price:     price,
				Timestamp: time.Now(),
			}
			if !f.channels.SendSpotTick(f.ctx, tick) && f.ctx.Err() == nil {
				log.Warn("spot tick channel full, dropping binance tick")
			}
		}

		errHandler := func(err error) {
			if err != nil {
				log.WithError(err).Warn("websocket error")
			}
		}

		doneC, stopC, err := binance.WsAggTradeServe(symbol, handler, errHandler)
		if err != nil {
			log.WithError(err).Error("failed to subscribe to aggregated trade stream")
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextDelay(delay, f.config.Spot.Reconnect.MaxDelay.Std())
			continue
		}

		delay = f.config.Spot.Reconnect.BaseDelay.Std()

		select {
		case <-f.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("stream ended, reconnecting")
		}
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
