// Package runtime runs the chat session registry behind the message bus.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"newtonchat/pkg/bot"
	"newtonchat/pkg/bus"
	"newtonchat/pkg/comm"
	"newtonchat/pkg/store"
)

// Options configures a Kernel.
type Options struct {
	// DefaultMode is the bot mode of the base instance.
	DefaultMode string
	// Store persists snapshots on save-instances. Nil disables persistence.
	Store store.Store
	// Autosave also persists after instances are created, removed or loaded.
	Autosave bool
	// ObserveEvents logs request lifecycle events.
	ObserveEvents bool
}

// Kernel owns the session registry and the single worker goroutine that
// handles inbound requests one at a time.
//
// Every event the registry emits is published on the bus tagged with the
// request that triggered it, followed by a final marker.
type Kernel struct {
	registry   *comm.Registry
	messageBus *bus.MessageBus
	store      store.Store
	autosave   bool
	log        *slog.Logger

	// Only the worker goroutine touches these after start.
	workerCtx      context.Context
	currentRequest string
	currentChannel string
	emitted        int
	failed         int

	requestCounter atomic.Uint64
	cancelWorker   context.CancelFunc
	workerDone     chan struct{}
	closeOnce      sync.Once
}

// StartKernel builds the registry, restores the stored snapshot if any and
// starts the worker.
func StartKernel(ctx context.Context, loaders *bot.Loaders, opts Options) (*Kernel, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if loaders == nil {
		return nil, errors.New("bot loaders are required")
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	k := &Kernel{
		messageBus:   bus.NewMessageBus(),
		store:        opts.Store,
		autosave:     opts.Autosave,
		log:          slog.Default().With("component", "runtime.kernel"),
		workerCtx:    workerCtx,
		cancelWorker: cancelWorker,
		workerDone:   make(chan struct{}),
	}

	registry, err := comm.NewRegistry(ctx, loaders, comm.SenderFunc(k.emit), opts.DefaultMode)
	if err != nil {
		cancelWorker()
		k.messageBus.Close()
		return nil, err
	}
	k.registry = registry

	if err := k.restore(ctx); err != nil {
		cancelWorker()
		k.messageBus.Close()
		return nil, err
	}

	if opts.ObserveEvents {
		go observeRequestEvents(workerCtx, k.messageBus)
	}
	go k.run(workerCtx)

	k.log.Info("kernel started", "default_mode", opts.DefaultMode, "instances", len(registry.Names()), "persistence", k.store != nil)
	return k, nil
}

// Bus returns the bus transports publish requests to and read events from.
func (k *Kernel) Bus() *bus.MessageBus {
	return k.messageBus
}

// Submit queues req and returns its request id.
func (k *Kernel) Submit(ctx context.Context, channel string, req comm.Request) (string, error) {
	requestID := strconv.FormatUint(k.requestCounter.Add(1), 10)
	inbound := bus.InboundMessage{RequestID: requestID, Channel: channel, Request: req}
	if ok := k.messageBus.PublishInbound(ctx, inbound); !ok {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", errors.New("unable to enqueue request")
	}
	return requestID, nil
}

// Do submits req and waits for every event it produced.
func (k *Kernel) Do(ctx context.Context, channel string, req comm.Request) ([]comm.Event, error) {
	outbound, unsubscribe := k.messageBus.SubscribeOutbound(ctx, 0)
	defer unsubscribe()

	requestID, err := k.Submit(ctx, channel, req)
	if err != nil {
		return nil, err
	}

	var events []comm.Event
	for {
		select {
		case <-ctx.Done():
			return events, ctx.Err()
		case msg, ok := <-outbound:
			if !ok {
				return events, errors.New("kernel stopped before the request completed")
			}
			if msg.RequestID != requestID {
				continue
			}
			if msg.Final {
				return events, nil
			}
			events = append(events, msg.Event)
		}
	}
}

// Close stops the worker and releases the bus and the store.
func (k *Kernel) Close() {
	if k == nil {
		return
	}

	k.closeOnce.Do(func() {
		k.cancelWorker()
		<-k.workerDone
		k.messageBus.Close()
		if k.store != nil {
			if err := k.store.Close(); err != nil {
				k.log.Warn("close store", "error", err)
			}
		}
	})
}

func (k *Kernel) restore(ctx context.Context) error {
	if k.store == nil {
		return nil
	}
	snap, err := k.store.Load(ctx)
	if errors.Is(err, store.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	k.registry.Load(ctx, snap)
	k.log.Info("snapshot restored", "instances", len(k.registry.Names()), "dead_instances", len(k.registry.DeadInstances()))
	return nil
}

func (k *Kernel) run(ctx context.Context) {
	defer close(k.workerDone)

	for {
		inbound, ok := k.messageBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		k.handle(ctx, inbound)
	}
}

func (k *Kernel) handle(ctx context.Context, inbound bus.InboundMessage) {
	k.currentRequest, k.currentChannel = inbound.RequestID, inbound.Channel
	k.emitted, k.failed = 0, 0
	defer func() {
		k.currentRequest, k.currentChannel = "", ""
	}()

	_ = k.messageBus.PublishEvent(ctx, bus.NewRequestEvent(bus.EventRequestReceived, inbound))

	k.registry.Handle(ctx, inbound.Request)
	k.persist(ctx, inbound.Request)

	completed := bus.NewRequestEvent(bus.EventRequestCompleted, inbound)
	completed.Payload = map[string]string{
		"events": strconv.Itoa(k.emitted),
		"errors": strconv.Itoa(k.failed),
	}
	_ = k.messageBus.PublishEvent(ctx, completed)
	_ = k.messageBus.PublishOutbound(ctx, bus.OutboundMessage{RequestID: inbound.RequestID, Channel: inbound.Channel, Final: true})
}

func (k *Kernel) persist(ctx context.Context, req comm.Request) {
	if k.store == nil || req.Instance != comm.MetaInstance {
		return
	}
	switch req.Operation {
	case comm.OpSaveInstances:
	case comm.OpNewInstance, comm.OpRemoveInstance, comm.OpLoadInstances:
		if !k.autosave {
			return
		}
	default:
		return
	}

	if err := k.store.Save(ctx, k.registry.Snapshot()); err != nil {
		k.log.Error("save snapshot", "operation", req.Operation, "error", err)
		k.emit(comm.Event{Operation: comm.OpError, Instance: comm.BaseInstance, Command: req.Operation, Error: fmt.Sprintf("store: %v", err)})
		return
	}
	k.log.Debug("snapshot saved", "operation", req.Operation)
}

func (k *Kernel) emit(e comm.Event) {
	k.emitted++
	if e.Operation == comm.OpError {
		k.failed++
	}
	_ = k.messageBus.PublishOutbound(k.workerCtx, bus.OutboundMessage{
		RequestID: k.currentRequest,
		Channel:   k.currentChannel,
		Event:     e,
	})
}
