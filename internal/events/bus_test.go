package events

import (
	"testing"
	"time"

	"polyscalp/models"
)

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(8)
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(models.EventBotStatus, "payload", time.Now())

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C():
			if ev.Kind != models.EventBotStatus {
				t.Fatalf("unexpected kind %s", ev.Kind)
			}
		default:
			t.Fatalf("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe()

	bus.Publish(models.EventBotStatus, 1, time.Now())
	bus.Publish(models.EventBotStatus, 2, time.Now())
	bus.Publish(models.EventBotStatus, 3, time.Now())

	first := <-sub.C()
	if first.Payload.(int) != 2 {
		t.Fatalf("expected oldest event dropped, got %v", first.Payload)
	}
	second := <-sub.C()
	if second.Payload.(int) != 3 {
		t.Fatalf("expected newest event kept, got %v", second.Payload)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus(1)
	_ = bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(models.EventBotStatus, i, time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected zero subscribers")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(models.EventBotStatus, nil, time.Now())
}
