package bus

import (
	"context"
	"testing"
	"time"

	"newtonchat/pkg/comm"
)

func TestInboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := InboundMessage{RequestID: "r1", Channel: "stdio", Request: comm.Request{Instance: comm.BaseInstance, Operation: comm.OpRefresh}}
	if ok := mb.PublishInbound(context.Background(), in); !ok {
		t.Fatal("expected inbound publish to succeed")
	}

	out, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected inbound consume to succeed")
	}
	if out.RequestID != in.RequestID || out.Request.Operation != comm.OpRefresh {
		t.Fatalf("inbound = %+v, want %+v", out, in)
	}
}

func TestOutboundFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	outA, unsubA := mb.SubscribeOutbound(ctx, 1)
	defer unsubA()
	outB, unsubB := mb.SubscribeOutbound(ctx, 1)
	defer unsubB()

	msg := OutboundMessage{RequestID: "r1", Event: comm.Event{Operation: comm.OpReply, Instance: "t1"}}
	if ok := mb.PublishOutbound(ctx, msg); !ok {
		t.Fatal("expected outbound publish to succeed")
	}

	for name, ch := range map[string]<-chan OutboundMessage{"A": outA, "B": outB} {
		select {
		case got := <-ch:
			if got.RequestID != "r1" || got.Event.Instance != "t1" {
				t.Fatalf("subscriber %s got %+v", name, got)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive outbound message", name)
		}
	}
}

func TestPublishOutboundWithoutSubscribers(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	if ok := mb.PublishOutbound(context.Background(), OutboundMessage{}); !ok {
		t.Fatal("expected publish without subscribers to succeed")
	}
}

func TestUnsubscribeReleasesBlockedPublisher(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	out, unsubscribe := mb.SubscribeOutbound(ctx, 1)
	if ok := mb.PublishOutbound(ctx, OutboundMessage{RequestID: "fills buffer"}); !ok {
		t.Fatal("expected first publish to succeed")
	}

	published := make(chan bool, 1)
	go func() {
		published <- mb.PublishOutbound(ctx, OutboundMessage{RequestID: "blocked"})
	}()

	select {
	case <-published:
		t.Fatal("publish must wait for a full subscriber")
	case <-time.After(50 * time.Millisecond):
	}

	unsubscribe()

	select {
	case ok := <-published:
		if !ok {
			t.Fatal("publish must succeed once the subscriber leaves")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("publisher stayed blocked after unsubscribe")
	}

	for range out {
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishInbound(context.Background(), InboundMessage{RequestID: "r1"}); ok {
		t.Fatal("expected inbound publish to fail after close")
	}
	if ok := mb.PublishOutbound(context.Background(), OutboundMessage{RequestID: "r1"}); ok {
		t.Fatal("expected outbound publish to fail after close")
	}

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatal("expected inbound consume to stop after close")
	}
	out, _ := mb.SubscribeOutbound(context.Background(), 1)
	if _, ok := <-out; ok {
		t.Fatal("expected closed outbound channel after close")
	}
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishInbound(ctx, InboundMessage{RequestID: "r1"}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected consume to fail on canceled context")
	}
}

func TestConsumeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.ConsumeInbound(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("consume did not unblock after close")
	}
}

func TestOutboundSubscriptionClosesOnContextCancel(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	out, _ := mb.SubscribeOutbound(ctx, 1)
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected closed outbound channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("outbound subscription did not close after cancel")
	}
}

func TestNewRequestEvent(t *testing.T) {
	msg := InboundMessage{RequestID: "r1", Channel: "websocket", Request: comm.Request{Instance: "t1", Operation: comm.OpMessage}}

	event := NewRequestEvent(EventRequestReceived, msg)
	if event.Type != EventRequestReceived || event.Channel != "websocket" || event.Instance != "t1" || event.Operation != comm.OpMessage || event.RequestID != "r1" {
		t.Fatalf("event = %+v", event)
	}
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	event := Event{Type: EventRequestReceived, RequestID: "1"}
	if ok := mb.PublishEvent(ctx, event); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case got := <-eventsA:
		if got.Type != EventRequestReceived {
			t.Fatalf("event type = %q, want %q", got.Type, EventRequestReceived)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscriber A did not receive event")
	}

	select {
	case got := <-eventsB:
		if got.Type != EventRequestReceived {
			t.Fatalf("event type = %q, want %q", got.Type, EventRequestReceived)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscriber B did not receive event")
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventRequestReceived}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventRequestCompleted}); !ok {
		t.Fatal("expected second event publish to succeed")
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventRequestReceived}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	ctx := context.Background()
	events, _ := mb.SubscribeEvents(ctx, 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}
