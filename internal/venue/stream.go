package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/logger"
	"polyscalp/models"
)

// FillHandler receives confirmed executions of resting orders.
type FillHandler func(Fill)

// CancelHandler receives confirmed cancellations.
type CancelHandler func(orderID string)

// UserStream follows the venue's authenticated websocket and dispatches
// order lifecycle events. Marketable orders fill synchronously through
// the REST response; this stream exists for resting limits.
type UserStream struct {
	config  *appconfig.Config
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	onFill   FillHandler
	onCancel CancelHandler
}

type userEvent struct {
	EventType string `json:"event_type"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
}

func NewUserStream(cfg *appconfig.Config, onFill FillHandler, onCancel CancelHandler) *UserStream {
	return &UserStream{
		config:   cfg,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		onFill:   onFill,
		onCancel: onCancel,
	}
}

// Start launches the connection loop. A missing user websocket URL
// disables the stream, which is the normal dry-run setup.
func (s *UserStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("user stream already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("venue_user_stream")
	if s.config.Venue.UserWSURL == "" {
		log.Warn("user websocket url not configured; fill callbacks disabled")
		return nil
	}

	s.wg.Add(1)
	go s.connectLoop()

	log.Info("user stream started")
	return nil
}

func (s *UserStream) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
	s.log.WithComponent("venue_user_stream").Info("user stream stopped")
}

func (s *UserStream) connectLoop() {
	defer s.wg.Done()

	log := s.log.WithComponent("venue_user_stream").WithFields(logger.Fields{"worker": "connect_loop"})
	delay := s.config.Venue.Reconnect.BaseDelay.Std()

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.config.Venue.UserWSURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to dial user websocket")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > s.config.Venue.Reconnect.MaxDelay.Std() {
				delay = s.config.Venue.Reconnect.MaxDelay.Std()
			}
			continue
		}
		delay = s.config.Venue.Reconnect.BaseDelay.Std()

		auth := map[string]string{
			"type":       "user",
			"apiKey":     s.config.Venue.APIKey,
			"secret":     s.config.Venue.APISecret,
			"passphrase": s.config.Venue.APIPassphrase,
		}
		if err := conn.WriteJSON(auth); err != nil {
			log.WithError(err).Warn("failed to send auth frame")
			conn.Close()
			continue
		}

		s.readLoop(conn, log)
		conn.Close()
	}
}

func (s *UserStream) readLoop(conn *websocket.Conn, log *logger.Entry) {
	closer := make(chan struct{})
	defer close(closer)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-closer:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				log.WithError(err).Warn("read error, reconnecting")
			}
			return
		}

		var batch []userEvent
		if err := json.Unmarshal(message, &batch); err != nil {
			var single userEvent
			if err := json.Unmarshal(message, &single); err != nil {
				continue
			}
			batch = append(batch, single)
		}
		for _, ev := range batch {
			s.dispatch(ev)
		}
	}
}

func (s *UserStream) dispatch(ev userEvent) {
	switch ev.EventType {
	case "trade":
		size, err1 := decimal.NewFromString(ev.Size)
		price, err2 := decimal.NewFromString(ev.Price)
		if err1 != nil || err2 != nil {
			return
		}
		if s.onFill != nil {
			s.onFill(Fill{
				OrderID: ev.OrderID,
				Token:   models.Token(ev.AssetID),
				Side:    ev.Side,
				Size:    size,
				Price:   price,
				TS:      time.Now(),
			})
		}
	case "order":
		if ev.Status == "CANCELED" || ev.Status == "CANCELLED" {
			if s.onCancel != nil {
				s.onCancel(ev.OrderID)
			}
		}
	}
}
