// Package comm implements the chat session model: chat instances, the
// registry that routes requests to them and the wire protocol they speak.
package comm

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"newtonchat/pkg/bot"
	"newtonchat/pkg/message"
)

// Reserved instance names.
const (
	MetaInstance = "<meta>"
	AllInstances = "<all>"
	BaseInstance = "base"
)

// Inbound operations.
const (
	OpMessage           = "message"
	OpRefresh           = "refresh"
	OpAutocompleteQuery = "autocomplete-query"
	OpConfig            = "config"
	OpSyncMessage       = "sync-message"
	OpUpdateInstanceBot = "update-instance-bot"

	OpNewInstance    = "new-instance"
	OpRemoveInstance = "remove-instance"
	OpSaveInstances  = "save-instances"
	OpLoadInstances  = "load-instances"
	// OpRegister announces the loaders and every instance to a newly
	// attached client.
	OpRegister = "register"
)

// Outbound operations.
const (
	OpReply                = "reply"
	OpInit                 = "init"
	OpUpdateConfig         = "update-config"
	OpUpdateMessage        = "update-message"
	OpSyncMeta             = "sync-meta"
	OpInstances            = "instances"
	OpError                = "error"
	OpAutocompleteResponse = "autocomplete-response"
)

// ConfigModeUpdate overwrites existing config keys. Any other mode only adds
// missing keys.
const ConfigModeUpdate = "update"

// Request is one inbound operation. Message and Data are decoded according
// to the operation.
type Request struct {
	Instance   string          `json:"instance"`
	Operation  string          `json:"operation"`
	Message    json.RawMessage `json:"message,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Query      string          `json:"query,omitempty"`
	Key        string          `json:"key,omitempty"`
	Value      any             `json:"value,omitempty"`
	UpdateMode string          `json:"_mode,omitempty"`
	Name       string          `json:"name,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// MessageRequest sends m to instance.
func MessageRequest(instance string, m *message.Message) (Request, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Request{}, fmt.Errorf("encode message: %w", err)
	}
	return Request{Instance: instance, Operation: OpMessage, Message: raw}, nil
}

// NewInstanceRequest asks the registry to create name running mode.
func NewInstanceRequest(name string, mode string, data map[string]any) (Request, error) {
	req := Request{Instance: MetaInstance, Operation: OpNewInstance, Name: name, Mode: mode}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Request{}, fmt.Errorf("encode instance data: %w", err)
		}
		req.Data = raw
	}
	return req, nil
}

// LoadInstancesRequest replaces every instance with the ones in snap.
func LoadInstancesRequest(snap Snapshot) (Request, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return Request{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return Request{Instance: MetaInstance, Operation: OpLoadInstances, Data: raw}, nil
}

// DecodeMessage decodes the full message carried by a message operation.
func (r Request) DecodeMessage() (*message.Message, error) {
	if len(r.Message) == 0 {
		return nil, newError(CategoryRouting, "request has no message")
	}
	m := &message.Message{SelectedAlt: -1}
	if err := json.Unmarshal(r.Message, m); err != nil {
		return nil, newError(CategoryRouting, "decode message: %v", err)
	}
	m.EnsureID()
	return m, nil
}

// DecodePartial decodes the partial message of a sync-message operation.
func (r Request) DecodePartial() (map[string]any, error) {
	var partial map[string]any
	if err := json.Unmarshal(r.Message, &partial); err != nil || partial == nil {
		return nil, newError(CategoryRouting, "sync-message needs a message object")
	}
	return partial, nil
}

// DecodeData decodes Data as an object. Missing data is an empty object.
func (r Request) DecodeData() (map[string]any, error) {
	data := map[string]any{}
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return data, nil
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return nil, newError(CategoryRouting, "decode %s data: %v", r.Operation, err)
	}
	return data, nil
}

// DecodeSnapshot decodes Data as a session snapshot.
func (r Request) DecodeSnapshot() (Snapshot, error) {
	var snap Snapshot
	if len(r.Data) == 0 {
		return snap, newError(CategoryRouting, "load-instances needs data")
	}
	if err := json.Unmarshal(r.Data, &snap); err != nil {
		return snap, newError(CategoryRouting, "decode snapshot: %v", err)
	}
	return snap, nil
}

// Event is one outbound notification.
type Event struct {
	Operation  string                                       `json:"operation"`
	Instance   string                                       `json:"instance"`
	Message    *message.Message                             `json:"message,omitempty"`
	Config     map[string]any                               `json:"config,omitempty"`
	Command    string                                       `json:"command,omitempty"`
	Error      string                                       `json:"error,omitempty"`
	ResponseID string                                       `json:"responseId,omitempty"`
	Items      []string                                     `json:"items,omitzero"`
	Info       *InstanceInfo                                `json:"info,omitempty"`
	Loaders    *orderedmap.OrderedMap[string, *bot.Schema]  `json:"loaders,omitempty"`
	Instances  *orderedmap.OrderedMap[string, InstanceInfo] `json:"instances,omitempty"`
	Data       *Snapshot                                    `json:"data,omitempty"`
}

// InstanceInfo describes an instance to the client.
type InstanceInfo struct {
	Mode            string             `json:"mode"`
	History         []*message.Message `json:"history"`
	Config          map[string]any     `json:"config"`
	BotConfig       map[string]any     `json:"bot_config"`
	BotConfigLoader *bot.Schema        `json:"bot_config_loader"`
}

// Sender delivers outbound events to the transport.
type Sender interface {
	Send(Event)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(Event)

func (f SenderFunc) Send(e Event) {
	f(e)
}
