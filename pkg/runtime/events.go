package runtime

import (
	"context"
	"log/slog"

	"newtonchat/pkg/bus"
)

func observeRequestEvents(ctx context.Context, messageBus *bus.MessageBus) {
	log := slog.Default().With("component", "bus.events")
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"request_id", event.RequestID,
		"channel", event.Channel,
		"instance", event.Instance,
		"operation", event.Operation,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch {
	case event.Type == bus.EventRequestCompleted && event.Payload["errors"] != "" && event.Payload["errors"] != "0":
		log.Warn("Request event", attrs...)
	case event.Type == bus.EventRequestReceived, event.Type == bus.EventRequestCompleted:
		log.Info("Request event", attrs...)
	default:
		log.Debug("Request event", attrs...)
	}
}
