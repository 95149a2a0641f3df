// Package bottest provides an in-memory bot.Instance for bot tests.
package bottest

import (
	"newtonchat/pkg/message"
	"newtonchat/pkg/state"
)

// Instance records replies, config writes and checkpoints.
type Instance struct {
	InstanceName string
	Messages     []*message.Message
	Config       map[string]any
	Checkpoints  map[string]state.State
}

func NewInstance(name string) *Instance {
	return &Instance{
		InstanceName: name,
		Config:       map[string]any{},
		Checkpoints:  map[string]state.State{},
	}
}

func (i *Instance) Name() string { return i.InstanceName }

func (i *Instance) History() []*message.Message { return i.Messages }

func (i *Instance) Reply(m *message.Message) { i.Messages = append(i.Messages, m) }

func (i *Instance) SetConfig(key string, value any) { i.Config[key] = value }

func (i *Instance) SetCheckpoint(id string, st state.State) { i.Checkpoints[id] = st }

func (i *Instance) TakeCheckpoint(id string) (state.State, bool) {
	st, ok := i.Checkpoints[id]
	delete(i.Checkpoints, id)
	return st, ok
}

// Texts returns the content of every recorded message.
func (i *Instance) Texts() []string {
	texts := make([]string, 0, len(i.Messages))
	for _, m := range i.Messages {
		texts = append(texts, m.Content())
	}
	return texts
}

// Last returns the most recent message, nil when none was recorded.
func (i *Instance) Last() *message.Message {
	if len(i.Messages) == 0 {
		return nil
	}
	return i.Messages[len(i.Messages)-1]
}
