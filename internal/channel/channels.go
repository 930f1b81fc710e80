package channel

import (
	"context"
	"sync"

	"polyscalp/logger"
	"polyscalp/models"
)

// Channels owns the buffered pipes between the stream readers and the
// components that consume them. Buffer sizes come from configuration so
// operators can trade memory for burst tolerance.
type Channels struct {
	RawBook   chan models.RawBookMessage
	SpotTicks chan models.SpotTick

	closeOnce sync.Once
}

func NewChannels(rawBuffer, spotBuffer int) *Channels {
	return &Channels{
		RawBook:   make(chan models.RawBookMessage, rawBuffer),
		SpotTicks: make(chan models.SpotTick, spotBuffer),
	}
}

// SendRawBook enqueues a venue frame without ever blocking the reader.
// Returns false when the message was dropped.
func (c *Channels) SendRawBook(ctx context.Context, msg models.RawBookMessage) bool {
	select {
	case c.RawBook <- msg:
		logger.RecordChannelMessage("raw_book", len(msg.Data))
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

// SendSpotTick enqueues a spot observation, dropping on a full buffer.
func (c *Channels) SendSpotTick(ctx context.Context, tick models.SpotTick) bool {
	select {
	case c.SpotTicks <- tick:
		logger.RecordChannelMessage("spot_ticks", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.RawBook)
		close(c.SpotTicks)
	})
}
