package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"newtonchat/pkg/bus"
	"newtonchat/pkg/comm"
)

// Kernel is the part of the runtime a transport talks to.
type Kernel interface {
	Bus() *bus.MessageBus
	Submit(ctx context.Context, channel string, req comm.Request) (string, error)
	Do(ctx context.Context, channel string, req comm.Request) ([]comm.Event, error)
}

// Adapter bridges one external transport (for example Telegram) into the kernel.
type Adapter interface {
	Name() string
	Run(context.Context, Kernel) error
}

// DecodeRequest parses one client frame.
func DecodeRequest(data []byte) (comm.Request, error) {
	var req comm.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return comm.Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Instance == "" || req.Operation == "" {
		return comm.Request{}, errors.New("decode request: instance and operation are required")
	}
	return req, nil
}

// DecodeError is the event a transport answers an undecodable frame with.
func DecodeError(err error) comm.Event {
	return comm.Event{Operation: comm.OpError, Instance: comm.BaseInstance, Error: err.Error()}
}
