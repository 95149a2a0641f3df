package comm

import (
	"context"
	"log/slog"
	"maps"
	"strings"

	"github.com/spf13/cast"

	"newtonchat/pkg/bot"
	"newtonchat/pkg/message"
	"newtonchat/pkg/state"
)

// Instance config keys.
const (
	ConfigProcessInKernel        = "process_in_kernel"
	ConfigEnableAutocomplete     = "enable_autocomplete"
	ConfigEnableAutoLoading      = "enable_auto_loading"
	ConfigLoading                = "loading"
	ConfigProcessBaseChatMessage = "process_base_chat_message"
	ConfigShowReplied            = "show_replied"
	ConfigShowIndex              = "show_index"
	ConfigShowTime               = "show_time"
	ConfigShowBuildMessages      = "show_build_messages"
	ConfigShowKernelMessages     = "show_kernel_messages"
	ConfigShowMetadata           = "show_metadata"
	ConfigDirectSendToUser       = "direct_send_to_user"
	ConfigShowExtraMessages      = "show_extra_messages"
)

// DefaultConfig returns the settings of a fresh instance.
func DefaultConfig() map[string]any {
	return map[string]any{
		ConfigProcessInKernel:        true,
		ConfigEnableAutocomplete:     true,
		ConfigEnableAutoLoading:      false,
		ConfigLoading:                false,
		ConfigProcessBaseChatMessage: true,
		ConfigShowReplied:            false,
		ConfigShowIndex:              false,
		ConfigShowTime:               true,
		ConfigShowBuildMessages:      true,
		ConfigShowKernelMessages:     true,
		ConfigShowMetadata:           false,
		ConfigDirectSendToUser:       false,
		ConfigShowExtraMessages:      false,
	}
}

// InstanceRecord is the persisted form of an instance.
type InstanceRecord struct {
	Name    string             `json:"name"`
	Mode    string             `json:"mode"`
	Bot     map[string]any     `json:"bot,omitempty"`
	History []*message.Message `json:"history"`
	Config  map[string]any     `json:"config"`
}

// ChatInstance is one conversation: its history, settings, pending
// checkpoints and the bot answering it.
type ChatInstance struct {
	name     string
	mode     string
	registry *Registry
	bot      bot.Bot

	history     []*message.Message
	index       map[string]*message.Message
	config      map[string]any
	checkpoints map[string]state.State
}

var _ bot.Instance = (*ChatInstance)(nil)

func newChatInstance(registry *Registry, name string, mode string, b bot.Bot) *ChatInstance {
	return &ChatInstance{
		name:        name,
		mode:        mode,
		registry:    registry,
		bot:         b,
		index:       make(map[string]*message.Message),
		config:      DefaultConfig(),
		checkpoints: make(map[string]state.State),
	}
}

func (c *ChatInstance) Name() string {
	return c.name
}

func (c *ChatInstance) Mode() string {
	return c.mode
}

// Bot returns the bot answering this instance.
func (c *ChatInstance) Bot() bot.Bot {
	return c.bot
}

func (c *ChatInstance) History() []*message.Message {
	return c.history
}

// Message returns the message with id.
func (c *ChatInstance) Message(id string) (*message.Message, bool) {
	m, ok := c.index[id]
	return m, ok
}

// Config returns a copy of the instance settings.
func (c *ChatInstance) Config() map[string]any {
	return maps.Clone(c.config)
}

func (c *ChatInstance) SetConfig(key string, value any) {
	c.config[key] = value
}

func (c *ChatInstance) SetCheckpoint(id string, st state.State) {
	c.checkpoints[id] = st
}

func (c *ChatInstance) TakeCheckpoint(id string) (state.State, bool) {
	st, ok := c.checkpoints[id]
	if ok {
		delete(c.checkpoints, id)
	}
	return st, ok
}

// PendingCheckpoints returns how many checkpoints wait for an answer.
func (c *ChatInstance) PendingCheckpoints() int {
	return len(c.checkpoints)
}

// Start applies the initial bot configuration. The bot produces its opening
// reply here.
func (c *ChatInstance) Start(ctx context.Context, data map[string]any) error {
	if err := c.bot.ApplyConfig(ctx, c, data, true); err != nil {
		return newError(CategoryBot, "start %s bot: %v", c.mode, err)
	}
	c.reindex()
	return nil
}

// Info describes the instance to the client.
func (c *ChatInstance) Info() InstanceInfo {
	return InstanceInfo{
		Mode:            c.mode,
		History:         cloneHistory(c.history),
		Config:          c.Config(),
		BotConfig:       c.bot.ConfigValues(),
		BotConfigLoader: c.bot.ConfigSchema(),
	}
}

// Sync sends the full instance state under operation.
func (c *ChatInstance) Sync(operation string) {
	info := c.Info()
	c.send(Event{Operation: operation, Info: &info})
}

// Refresh resends the instance state.
func (c *ChatInstance) Refresh() {
	c.Sync(OpRefresh)
}

// Receive handles one instance-scoped request.
func (c *ChatInstance) Receive(ctx context.Context, req Request) error {
	switch req.Operation {
	case OpMessage:
		m, err := req.DecodeMessage()
		if err != nil {
			return err
		}
		if _, dup := c.index[m.ID]; dup {
			return newError(CategoryRouting, "duplicate message id %q", m.ID)
		}
		c.ReceiveMessage(ctx, m)
	case OpRefresh:
		c.Refresh()
	case OpAutocompleteQuery:
		c.receiveAutocomplete(ctx, req.RequestID, req.Query)
	case OpConfig:
		return c.receiveConfig(req)
	case OpSyncMessage:
		return c.syncMessage(req)
	case OpUpdateInstanceBot:
		data, err := req.DecodeData()
		if err != nil {
			return err
		}
		if err := c.bot.ApplyConfig(ctx, c, data, false); err != nil {
			return newError(CategoryBot, "update %s bot: %v", c.mode, err)
		}
		c.Refresh()
	default:
		return newError(CategoryRouting, "unknown operation %q", req.Operation)
	}
	return nil
}

// ReceiveMessage records an inbound message, echoes it and lets the bot
// process it when the processing flags allow. Messages processed by the base
// instance are replicated to every subscribed instance.
func (c *ChatInstance) ReceiveMessage(ctx context.Context, m *message.Message) {
	c.append(m)
	c.send(Event{Operation: OpReply, Message: m})

	process := (m.KernelProcess == message.ProcessProcess && c.flag(ConfigProcessInKernel)) ||
		m.KernelProcess == message.ProcessForce
	if process {
		c.bot.ProcessMessage(ctx, bot.NewContext(c, m))
	}

	if c.name != BaseInstance || c.registry == nil {
		return
	}
	if !process && m.KernelProcess != message.ProcessProcess {
		return
	}
	for _, other := range c.registry.instanceList() {
		if other.name == BaseInstance || !other.flag(ConfigProcessBaseChatMessage) {
			continue
		}
		if _, seen := other.index[m.ID]; seen {
			continue
		}
		instanceLogger(c.name).Debug("replicate message", "to", other.name, "message_id", m.ID)
		other.ReceiveMessage(ctx, m)
	}
}

// Reply records and emits a generated message without processing it.
func (c *ChatInstance) Reply(m *message.Message) {
	if m == nil {
		return
	}
	m.EnsureID()
	c.append(m)
	c.send(Event{Operation: OpReply, Message: m})
}

func (c *ChatInstance) receiveAutocomplete(ctx context.Context, requestID string, query string) {
	items := []string{}
	if c.flag(ConfigEnableAutocomplete) {
		if suggestions := c.bot.ProcessAutocomplete(ctx, c, query); suggestions != nil {
			items = suggestions
		}
	}
	c.send(Event{Operation: OpAutocompleteResponse, ResponseID: requestID, Items: items})
}

func (c *ChatInstance) receiveConfig(req Request) error {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return newError(CategoryRouting, "config needs a key")
	}
	if _, exists := c.config[key]; req.UpdateMode == ConfigModeUpdate || !exists {
		c.config[key] = req.Value
	}
	c.send(Event{Operation: OpUpdateConfig, Config: map[string]any{key: c.config[key]}})
	return nil
}

func (c *ChatInstance) syncMessage(req Request) error {
	partial, err := req.DecodePartial()
	if err != nil {
		return err
	}
	id := cast.ToString(partial["id"])
	m, ok := c.index[id]
	if !ok {
		return newError(CategoryMissingReference, "unknown message %q", id)
	}
	if err := message.ApplyPartial(m, partial); err != nil {
		return newError(CategoryRouting, "%v", err)
	}
	c.send(Event{Operation: OpUpdateMessage, Message: m})
	return nil
}

// Save returns the persisted form of the instance.
func (c *ChatInstance) Save() InstanceRecord {
	return InstanceRecord{
		Name:    c.name,
		Mode:    c.mode,
		Bot:     c.bot.Save(),
		History: c.historyOrEmpty(),
		Config:  c.Config(),
	}
}

// Load restores a persisted instance. The message index is rebuilt from the
// history and config keys missing from the record keep their defaults.
func (c *ChatInstance) Load(record InstanceRecord) error {
	if record.Bot != nil {
		if err := c.bot.Load(record.Bot); err != nil {
			return newError(CategoryLoad, "load %s bot: %v", c.mode, err)
		}
	}

	history := make([]*message.Message, 0, len(record.History))
	seen := make(map[string]struct{}, len(record.History))
	for i, m := range record.History {
		if m == nil {
			return newError(CategoryLoad, "history entry %d is empty", i)
		}
		m.EnsureID()
		if _, dup := seen[m.ID]; dup {
			return newError(CategoryLoad, "history repeats message %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		history = append(history, m)
	}
	c.history = history
	c.reindex()

	config := DefaultConfig()
	maps.Copy(config, record.Config)
	c.config = config
	return nil
}

func (c *ChatInstance) append(m *message.Message) {
	c.history = append(c.history, m)
	c.index[m.ID] = m
}

func (c *ChatInstance) reindex() {
	c.index = make(map[string]*message.Message, len(c.history))
	for _, m := range c.history {
		c.index[m.ID] = m
	}
}

func (c *ChatInstance) historyOrEmpty() []*message.Message {
	if c.history == nil {
		return []*message.Message{}
	}
	return c.history
}

func cloneHistory(history []*message.Message) []*message.Message {
	out := make([]*message.Message, 0, len(history))
	for _, m := range history {
		out = append(out, m.Clone())
	}
	return out
}

func (c *ChatInstance) flag(key string) bool {
	return cast.ToBool(c.config[key])
}

// send emits e with copies of the messages it carries. Transports encode
// events on their own goroutines while the worker keeps updating the history.
func (c *ChatInstance) send(e Event) {
	e.Instance = c.name
	e.Message = e.Message.Clone()
	if c.registry != nil {
		c.registry.emit(e)
	}
}

func (c *ChatInstance) sendError(command string, err error) {
	c.send(Event{Operation: OpError, Command: command, Error: err.Error()})
}

func instanceLogger(name string) *slog.Logger {
	return slog.Default().With("component", "comm.instance", "instance", name)
}
