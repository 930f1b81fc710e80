package book

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "polyscalp/config"
	"polyscalp/internal/channel"
	"polyscalp/logger"
	"polyscalp/models"
)

// subscribeOp is the venue's dynamic subscription message.
type subscribeOp struct {
	Operation string   `json:"operation"`
	AssetsIDs []string `json:"assets_ids"`
}

// handshake is the initial frame the market stream requires.
type handshake struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// Stream owns the venue market websocket: dial, handshake, dynamic
// subscription writes, raw frame reads and reconnect with backoff.
// Decoding happens downstream in the tracker.
type Stream struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	sendQueue chan subscribeOp

	// currentTokens is consulted on every reconnect so the full
	// subscription set is restored.
	currentTokens func() []models.Token
	// onReconnect lets the tracker invalidate its books before the
	// re-subscription snapshots arrive.
	onReconnect func()

	lastMsg   time.Time
	lastMsgMu sync.Mutex
	msgCount  int64
}

func NewStream(cfg *appconfig.Config, ch *channel.Channels, currentTokens func() []models.Token, onReconnect func()) *Stream {
	return &Stream{
		config:        cfg,
		channels:      ch,
		wg:            &sync.WaitGroup{},
		log:           logger.GetLogger(),
		sendQueue:     make(chan subscribeOp, 64),
		currentTokens: currentTokens,
		onReconnect:   onReconnect,
	}
}

// Start launches the connection loop.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("book stream already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.connectLoop()

	s.log.WithComponent("book_stream").WithFields(logger.Fields{"url": s.config.Venue.WSURL}).Info("book stream started")
	return nil
}

// Stop terminates the stream and waits for its goroutines.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.WithComponent("book_stream").Info("book stream stopped")
}

// Subscribe queues a dynamic subscription for the given tokens.
func (s *Stream) Subscribe(tokens []models.Token) {
	if len(tokens) == 0 {
		return
	}
	op := subscribeOp{Operation: "subscribe", AssetsIDs: tokenStrings(tokens)}
	select {
	case s.sendQueue <- op:
	default:
		s.log.WithComponent("book_stream").Warn("subscription queue full, dropping subscribe request")
	}
}

// Unsubscribe queues the release of the given tokens.
func (s *Stream) Unsubscribe(tokens []models.Token) {
	if len(tokens) == 0 {
		return
	}
	op := subscribeOp{Operation: "unsubscribe", AssetsIDs: tokenStrings(tokens)}
	select {
	case s.sendQueue <- op:
	default:
		s.log.WithComponent("book_stream").Warn("subscription queue full, dropping unsubscribe request")
	}
}

// RequestSnapshot re-subscribes a single token after a sequence gap so
// the venue pushes a fresh book snapshot.
func (s *Stream) RequestSnapshot(token models.Token) {
	s.Subscribe([]models.Token{token})
}

func tokenStrings(tokens []models.Token) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, string(t))
	}
	return out
}

func (s *Stream) connectLoop() {
	defer s.wg.Done()

	log := s.log.WithComponent("book_stream").WithFields(logger.Fields{"worker": "connect_loop"})
	delay := s.config.Venue.Reconnect.BaseDelay.Std()
	attempt := 0

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.config.Venue.WSURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to dial venue websocket")
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

		if attempt > 0 {
			log.WithFields(logger.Fields{"attempt": attempt}).Warn("venue websocket reconnected")
			if s.onReconnect != nil {
				s.onReconnect()
			}
		} else {
			log.Info("venue websocket connected")
		}
		attempt++
		delay = s.config.Venue.Reconnect.BaseDelay.Std()

		if err := conn.WriteJSON(handshake{AssetsIDs: []string{}, Type: "market"}); err != nil {
			log.WithError(err).Warn("failed to send handshake")
			conn.Close()
			continue
		}

		if tokens := s.currentTokens(); len(tokens) > 0 {
			if err := conn.WriteJSON(subscribeOp{Operation: "subscribe", AssetsIDs: tokenStrings(tokens)}); err != nil {
				log.WithError(err).Warn("failed to re-subscribe after connect")
				conn.Close()
				continue
			}
			log.WithFields(logger.Fields{"tokens": len(tokens)}).Info("re-subscribed tokens")
		}

		s.runConnection(conn, log)
		conn.Close()
	}
}

// runConnection drives one websocket session until it errors, goes
// stale or the context is cancelled.
func (s *Stream) runConnection(conn *websocket.Conn, log *logger.Entry) {
	done := make(chan struct{})
	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }

	s.setLastMsg(time.Now())

	// Writer: drains the dynamic subscription queue.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				closeConn()
				return
			case <-done:
				return
			case op := <-s.sendQueue:
				if err := conn.WriteJSON(op); err != nil {
					log.WithError(err).Warn("failed to send subscription op")
					closeConn()
					return
				}
			}
		}
	}()

	// Health monitor: a silent connection is treated as dead.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.config.Venue.Health.CheckInterval.Std()
		stale := s.config.Venue.Health.StaleAfter.Std()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				age := time.Since(s.getLastMsg())
				if age > stale {
					log.WithFields(logger.Fields{"silent_seconds": int(age.Seconds())}).Error("no messages from venue, reconnecting")
					closeConn()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				log.WithError(err).Warn("read error")
			}
			close(done)
			return
		}
		s.setLastMsg(time.Now())
		s.mu.Lock()
		s.msgCount++
		s.mu.Unlock()
		logger.IncrementBookRead(len(message))

		raw := models.RawBookMessage{Data: message, Timestamp: time.Now()}
		if !s.channels.SendRawBook(s.ctx, raw) && s.ctx.Err() == nil {
			log.Warn("raw book channel full, dropping message")
		}
	}
}

func (s *Stream) setLastMsg(t time.Time) {
	s.lastMsgMu.Lock()
	s.lastMsg = t
	s.lastMsgMu.Unlock()
}

func (s *Stream) getLastMsg() time.Time {
	s.lastMsgMu.Lock()
	defer s.lastMsgMu.Unlock()
	return s.lastMsg
}

// Status reports connection health for the status surface.
func (s *Stream) Status() map[string]interface{} {
	s.mu.RLock()
	count := s.msgCount
	running := s.running
	s.mu.RUnlock()
	age := time.Since(s.getLastMsg()).Seconds()
	return map[string]interface{}{
		"connected":        running,
		"total_messages":   count,
		"last_message_ago": age,
		"is_healthy":       running && age < s.config.Venue.Health.StaleAfter.Std().Seconds(),
	}
}
