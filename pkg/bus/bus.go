// Package bus carries messages between the scheduler core and delivery
// channels. Outbound events are proactive messages the scheduler decided
// to send; inbound events are user messages observed by a channel, which
// feed the recent-activity gates.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// UserMessage is an observed user turn flowing in from a channel.
type UserMessage struct {
	Channel    string
	SenderID   string
	ChatID     string
	Content    string
	ReceivedAt time.Time
}

// ProactiveMessage is a scheduler-initiated outbound event.
type ProactiveMessage struct {
	Channel   string
	ChatID    string
	Content   string
	Kind      string // decision variant or outreach topic tag
	Reasoning string
	Timestamp time.Time
}

type EventBus struct {
	inbound  chan UserMessage
	outbound chan ProactiveMessage
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

const publishTimeout = 100 * time.Millisecond

func NewEventBus() *EventBus {
	return &EventBus{
		inbound:  make(chan UserMessage, 100),
		outbound: make(chan ProactiveMessage, 100),
	}
}

func (eb *EventBus) PublishUserMessage(msg UserMessage) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	select {
	case eb.inbound <- msg:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case eb.inbound <- msg:
		case <-timer.C:
			eb.dropped.inbound.Add(1)
		}
	}
}

func (eb *EventBus) ConsumeUserMessage(ctx context.Context) (UserMessage, bool) {
	select {
	case msg, ok := <-eb.inbound:
		if !ok {
			return UserMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return UserMessage{}, false
	}
}

func (eb *EventBus) PublishProactive(msg ProactiveMessage) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	select {
	case eb.outbound <- msg:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case eb.outbound <- msg:
		case <-timer.C:
			eb.dropped.outbound.Add(1)
		}
	}
}

func (eb *EventBus) SubscribeProactive(ctx context.Context) (ProactiveMessage, bool) {
	select {
	case msg, ok := <-eb.outbound:
		if !ok {
			return ProactiveMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return ProactiveMessage{}, false
	}
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	close(eb.inbound)
	close(eb.outbound)
}

func (eb *EventBus) DroppedUserMessages() uint64 {
	return eb.dropped.inbound.Load()
}

func (eb *EventBus) DroppedProactive() uint64 {
	return eb.dropped.outbound.Load()
}
