// Package bus connects transports to the kernel worker: a single-consumer
// inbound queue, fan-out of outbound events and lifecycle notifications.
package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

type outboundSubscriber struct {
	ch   chan OutboundMessage
	done chan struct{}
	once sync.Once
}

type MessageBus struct {
	inbound chan InboundMessage

	outboundSubscribers      map[uint64]*outboundSubscriber
	nextOutboundSubscriberID uint64

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:             make(chan InboundMessage, defaultBufferSize),
		outboundSubscribers: make(map[uint64]*outboundSubscriber),
		eventSubscribers:    make(map[uint64]chan Event),
		done:                make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- msg:
		return true
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-mb.done:
		return InboundMessage{}, false
	case msg := <-mb.inbound:
		return msg, true
	}
}

// PublishOutbound delivers msg to every outbound subscriber. Delivery waits
// for subscribers with a full buffer; a subscriber that unsubscribes is
// skipped.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()

	for _, sub := range mb.outboundSubscribers {
		select {
		case <-ctx.Done():
			return false
		case <-mb.done:
			return false
		case <-sub.done:
		case sub.ch <- msg:
		}
	}

	return true
}

// SubscribeOutbound registers a new outbound subscriber. The channel closes
// after unsubscribe, on ctx cancellation or when the bus closes.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context, buffer int) (<-chan OutboundMessage, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	sub := &outboundSubscriber{
		ch:   make(chan OutboundMessage, buffer),
		done: make(chan struct{}),
	}

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}

	id := mb.nextOutboundSubscriberID
	mb.nextOutboundSubscriberID++
	mb.outboundSubscribers[id] = sub
	mb.mu.Unlock()

	unsubscribe := func() {
		sub.once.Do(func() {
			// Releases publishers blocked on this subscriber before taking
			// the write lock.
			close(sub.done)

			mb.mu.Lock()
			if _, ok := mb.outboundSubscribers[id]; ok {
				delete(mb.outboundSubscribers, id)
				close(sub.ch)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return sub.ch, unsubscribe
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		for id, sub := range mb.outboundSubscribers {
			close(sub.ch)
			delete(mb.outboundSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
