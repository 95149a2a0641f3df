package bus

import "newtonchat/pkg/comm"

// InboundMessage is one client request waiting for the kernel worker.
type InboundMessage struct {
	RequestID string       `json:"request_id"`
	Channel   string       `json:"channel"`
	Request   comm.Request `json:"request"`
}

// OutboundMessage is one event emitted while the kernel handled the request
// RequestID. Events emitted outside a request carry an empty RequestID.
type OutboundMessage struct {
	RequestID string     `json:"request_id,omitempty"`
	Channel   string     `json:"channel,omitempty"`
	Event     comm.Event `json:"event"`
	// Final closes the events of RequestID and carries no event.
	Final bool `json:"final,omitempty"`
}
