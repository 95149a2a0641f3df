package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"newtonchat/pkg/bot"
	"newtonchat/pkg/message"
)

// Snapshot is the persisted form of a whole session.
type Snapshot struct {
	Instances       *orderedmap.OrderedMap[string, json.RawMessage] `json:"instances"`
	DeadInstances   []json.RawMessage                               `json:"!!dead_instances"`
	SessionsHistory []json.RawMessage                               `json:"!!sessions_history"`
}

// Registry owns every chat instance and routes requests to them. It is not
// safe for concurrent use; one worker drives it.
type Registry struct {
	loaders     *bot.Loaders
	sender      Sender
	defaultMode string

	instances       *orderedmap.OrderedMap[string, *ChatInstance]
	dead            []json.RawMessage
	sessionsHistory []json.RawMessage
}

// NewRegistry creates the registry and starts the base instance in defaultMode.
func NewRegistry(ctx context.Context, loaders *bot.Loaders, sender Sender, defaultMode string) (*Registry, error) {
	if sender == nil {
		sender = SenderFunc(func(Event) {})
	}
	r := &Registry{
		loaders:     loaders,
		sender:      sender,
		defaultMode: strings.TrimSpace(defaultMode),
		instances:   orderedmap.New[string, *ChatInstance](),
	}

	base, err := r.create(ctx, BaseInstance, r.defaultMode, nil)
	if err != nil {
		return nil, fmt.Errorf("start base instance: %w", err)
	}
	r.instances.Set(BaseInstance, base)
	return r, nil
}

// Instance returns the live instance called name.
func (r *Registry) Instance(name string) (*ChatInstance, bool) {
	return r.instances.Get(name)
}

// Names returns the live instance names in creation order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.instances.Len())
	for pair := r.instances.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// DeadInstances returns the persisted form of removed or unloadable instances.
func (r *Registry) DeadInstances() []json.RawMessage {
	return append([]json.RawMessage{}, r.dead...)
}

// Init announces the loaders and every instance to a newly attached client.
func (r *Registry) Init() {
	r.SyncMeta()
	for _, inst := range r.instanceList() {
		inst.Sync(OpInit)
	}
}

// Handle routes one request. Failures, including panics raised by bots, are
// reported as error events and never escape.
func (r *Registry) Handle(ctx context.Context, req Request) {
	switch strings.TrimSpace(req.Instance) {
	case MetaInstance:
		r.guard(nil, req.Operation, func() error { return r.handleMeta(ctx, req) })
	case AllInstances:
		if req.Operation == OpMessage {
			r.guard(nil, req.Operation, func() error { return r.broadcastMessage(ctx, req) })
			return
		}
		for _, inst := range r.instanceList() {
			r.guard(inst, req.Operation, func() error { return inst.Receive(ctx, req) })
		}
	default:
		inst, ok := r.instances.Get(req.Instance)
		if !ok {
			r.reportError(nil, req.Operation, newError(CategoryRouting, "unknown instance %q", req.Instance))
			return
		}
		r.guard(inst, req.Operation, func() error { return inst.Receive(ctx, req) })
	}
}

// broadcastMessage delivers one message record to every instance. Instances
// that already hold it, for example through base replication, are skipped.
func (r *Registry) broadcastMessage(ctx context.Context, req Request) error {
	m, err := req.DecodeMessage()
	if err != nil {
		return err
	}

	delivered := 0
	for _, inst := range r.instanceList() {
		if _, seen := inst.index[m.ID]; seen {
			continue
		}
		delivered++
		r.guard(inst, req.Operation, func() error {
			inst.ReceiveMessage(ctx, m)
			return nil
		})
	}
	if delivered == 0 {
		return newError(CategoryRouting, "duplicate message id %q", m.ID)
	}
	return nil
}

func (r *Registry) handleMeta(ctx context.Context, req Request) error {
	switch req.Operation {
	case OpNewInstance:
		data, err := req.DecodeData()
		if err != nil {
			return err
		}
		return r.NewInstance(ctx, req.Name, req.Mode, data)
	case OpRefresh:
		r.SyncMeta()
	case OpRegister:
		r.Init()
	case OpRemoveInstance:
		return r.RemoveInstance(req.Name)
	case OpSaveInstances:
		snap := r.Snapshot()
		r.sender.Send(Event{Operation: OpInstances, Instance: MetaInstance, Data: &snap})
	case OpLoadInstances:
		snap, err := req.DecodeSnapshot()
		if err != nil {
			return err
		}
		r.Load(ctx, snap)
	default:
		return newError(CategoryRouting, "unknown meta operation %q", req.Operation)
	}
	return nil
}

// NewInstance creates and starts an instance. An existing instance with the
// same name is retired to the dead instances. A config the bot rejects does
// not prevent the instance; the error is recorded in its history.
func (r *Registry) NewInstance(ctx context.Context, name string, mode string, data map[string]any) error {
	name = strings.TrimSpace(name)
	if name == "" || name == MetaInstance || name == AllInstances {
		return newError(CategoryRouting, "invalid instance name %q", name)
	}
	if strings.TrimSpace(mode) == "" {
		mode = r.defaultMode
	}

	inst, err := r.create(ctx, name, mode, data)
	if err != nil {
		return err
	}
	if previous, ok := r.instances.Get(name); ok {
		r.retire(previous)
	}
	r.instances.Set(name, inst)
	inst.Sync(OpInit)
	r.SyncMeta()
	logger().Info("instance created", "instance", name, "mode", mode)
	return nil
}

// RemoveInstance moves an instance to the dead instances. The base instance
// cannot be removed.
func (r *Registry) RemoveInstance(name string) error {
	if name == BaseInstance {
		return newError(CategoryRouting, "the base instance cannot be removed")
	}
	inst, ok := r.instances.Get(name)
	if !ok {
		return newError(CategoryMissingReference, "unknown instance %q", name)
	}
	r.retire(inst)
	r.instances.Delete(name)
	r.SyncMeta()
	logger().Info("instance removed", "instance", name)
	return nil
}

// SyncMeta sends the loader schemas and every instance description.
func (r *Registry) SyncMeta() {
	infos := orderedmap.New[string, InstanceInfo]()
	for pair := r.instances.Oldest(); pair != nil; pair = pair.Next() {
		infos.Set(pair.Key, pair.Value.Info())
	}
	r.sender.Send(Event{
		Operation: OpSyncMeta,
		Instance:  MetaInstance,
		Loaders:   r.loaders.Schemas(),
		Instances: infos,
	})
}

// Snapshot captures every live instance plus the dead instances and the
// sessions history.
func (r *Registry) Snapshot() Snapshot {
	instances := orderedmap.New[string, json.RawMessage]()
	for pair := r.instances.Oldest(); pair != nil; pair = pair.Next() {
		raw, err := json.Marshal(pair.Value.Save())
		if err != nil {
			logger().Warn("skip instance in snapshot", "instance", pair.Key, "error", err)
			continue
		}
		instances.Set(pair.Key, raw)
	}
	return Snapshot{
		Instances:       instances,
		DeadInstances:   r.DeadInstances(),
		SessionsHistory: append([]json.RawMessage{}, r.sessionsHistory...),
	}
}

// Load replaces every instance with the ones in snap. Instances that cannot
// be restored join the dead instances; a missing base instance is recreated
// in the mode the previous base ran.
func (r *Registry) Load(ctx context.Context, snap Snapshot) {
	baseMode := r.defaultMode
	if base, ok := r.instances.Get(BaseInstance); ok {
		baseMode = base.mode
	}

	r.instances = orderedmap.New[string, *ChatInstance]()
	r.dead = append([]json.RawMessage(nil), snap.DeadInstances...)
	r.sessionsHistory = append([]json.RawMessage(nil), snap.SessionsHistory...)

	if snap.Instances != nil {
		for pair := snap.Instances.Oldest(); pair != nil; pair = pair.Next() {
			inst, err := r.restore(pair.Key, pair.Value)
			if err != nil {
				logger().Warn("instance moved to dead instances", "instance", pair.Key, "error", err)
				r.dead = append(r.dead, pair.Value)
				continue
			}
			r.instances.Set(pair.Key, inst)
		}
	}

	if _, ok := r.instances.Get(BaseInstance); !ok {
		base, err := r.create(ctx, BaseInstance, baseMode, nil)
		if err != nil {
			logger().Error("recreate base instance", "mode", baseMode, "error", err)
		} else {
			r.instances.Set(BaseInstance, base)
		}
	}

	r.SyncMeta()
	for _, inst := range r.instanceList() {
		inst.Refresh()
	}
}

// restore rebuilds one persisted instance.
func (r *Registry) restore(name string, raw json.RawMessage) (inst *ChatInstance, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			inst, err = nil, newError(CategoryLoad, "panic: %v", recovered)
		}
	}()

	var record InstanceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, newError(CategoryLoad, "decode instance: %v", err)
	}
	if strings.TrimSpace(record.Mode) == "" {
		return nil, newError(CategoryLoad, "instance has no mode")
	}
	b, err := r.loaders.Build(record.Mode)
	if err != nil {
		return nil, newError(CategoryLoad, "%v", err)
	}
	inst = newChatInstance(r, name, record.Mode, b)
	if err := inst.Load(record); err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *Registry) create(ctx context.Context, name string, mode string, data map[string]any) (*ChatInstance, error) {
	b, err := r.loaders.Build(mode)
	if err != nil {
		return nil, newError(CategoryRouting, "%v", err)
	}
	inst := newChatInstance(r, name, mode, b)
	if err := inst.Start(ctx, data); err != nil {
		logger().Warn("instance started with invalid config", "instance", name, "mode", mode, "error", err)
		inst.Reply(message.Create(err.Error(), message.TypeError))
	}
	return inst, nil
}

func (r *Registry) retire(inst *ChatInstance) {
	raw, err := json.Marshal(inst.Save())
	if err != nil {
		logger().Warn("could not save retired instance", "instance", inst.name, "error", err)
		return
	}
	r.dead = append(r.dead, raw)
}

// guard runs fn and reports its error or panic. Errors of instance requests
// are reported by that instance, the rest by base.
func (r *Registry) guard(inst *ChatInstance, operation string, fn func() error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger().Error("request panicked", "operation", operation, "panic", recovered, "stack", string(debug.Stack()))
			r.reportError(inst, operation, newError(CategoryBot, "panic: %v", recovered))
		}
	}()

	if err := fn(); err != nil {
		r.reportError(inst, operation, err)
	}
}

func (r *Registry) reportError(inst *ChatInstance, operation string, err error) {
	if operation == "" {
		operation = "<operation undefined>"
	}
	log := logger()
	if inst != nil {
		log = log.With("instance", inst.name, "mode", inst.mode)
	}
	log.Warn("request failed", "operation", operation, "category", CategoryFromError(err), "error", err)

	if inst == nil {
		inst, _ = r.instances.Get(BaseInstance)
	}
	if inst == nil {
		r.sender.Send(Event{Operation: OpError, Instance: BaseInstance, Command: operation, Error: err.Error()})
		return
	}
	inst.sendError(operation, err)
}

func (r *Registry) instanceList() []*ChatInstance {
	list := make([]*ChatInstance, 0, r.instances.Len())
	for pair := r.instances.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	return list
}

func (r *Registry) emit(e Event) {
	r.sender.Send(e)
}

func logger() *slog.Logger {
	return slog.Default().With("component", "comm.registry")
}
