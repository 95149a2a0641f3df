// Package websocket serves the comm protocol to browser clients: one JSON
// request per client frame, one JSON event per server frame.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"newtonchat/pkg/bus"
	"newtonchat/pkg/channel"
	"newtonchat/pkg/comm"
)

const channelName = "websocket"

const (
	writeTimeout   = 10 * time.Second
	maxFrameSize   = 32 << 20
	outboundBuffer = 64
)

// Handler upgrades HTTP requests and attaches every socket to the kernel.
// All sockets see every event, so several views of the same instances stay
// in sync.
type Handler struct {
	kernel   channel.Kernel
	upgrader ws.Upgrader
	log      *slog.Logger
	open     atomic.Int64
}

// NewHandler builds a websocket handler over kernel.
func NewHandler(kernel channel.Kernel, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		kernel: kernel,
		upgrader: ws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With("component", "channel.websocket"),
	}
}

// Connections returns the number of attached sockets.
func (h *Handler) Connections() int64 {
	return h.open.Load()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.kernel == nil {
		http.Error(w, "kernel not initialized", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.open.Add(1)
	defer h.open.Add(-1)

	h.log.Info("Websocket attached", "remote", r.RemoteAddr)
	h.serve(r.Context(), conn)
	h.log.Info("Websocket detached", "remote", r.RemoteAddr)
}

func (h *Handler) serve(ctx context.Context, conn *ws.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(maxFrameSize)

	outbound, unsubscribe := h.kernel.Bus().SubscribeOutbound(ctx, outboundBuffer)
	defer unsubscribe()

	local := make(chan comm.Event, 8)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		// Closing the socket unblocks the read loop.
		defer conn.Close()
		defer cancel()
		h.writeLoop(ctx, conn, outbound, local)
	}()

	if _, err := h.kernel.Submit(ctx, channelName, comm.Request{Instance: comm.MetaInstance, Operation: comm.OpRegister}); err != nil {
		h.log.Warn("Register failed", "error", err)
		cancel()
	}

	for ctx.Err() == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) && ctx.Err() == nil {
				h.log.Warn("Websocket read failed", "error", err)
			}
			break
		}

		req, err := channel.DecodeRequest(data)
		if err != nil {
			h.log.Warn("Ignoring undecodable request", "error", err)
			select {
			case local <- channel.DecodeError(err):
			case <-ctx.Done():
			}
			continue
		}
		if _, err := h.kernel.Submit(ctx, channelName, req); err != nil {
			h.log.Warn("Submit failed", "instance", req.Instance, "operation", req.Operation, "error", err)
			break
		}
	}

	cancel()
	<-writeDone
}

func (h *Handler) writeLoop(ctx context.Context, conn *ws.Conn, outbound <-chan bus.OutboundMessage, local <-chan comm.Event) {
	for {
		var event comm.Event
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case event = <-local:
		case msg, ok := <-outbound:
			if !ok {
				_ = conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseGoingAway, "kernel stopped"), time.Now().Add(time.Second))
				return
			}
			if msg.Final {
				continue
			}
			event = msg.Event
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			h.log.Warn("Websocket write failed, dropping connection", "error", err)
			return
		}
	}
}
