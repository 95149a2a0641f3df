// Package stdio speaks the comm protocol over a pipe: one JSON request per
// input line, one JSON event per output line.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"newtonchat/pkg/channel"
	"newtonchat/pkg/comm"
)

const channelName = "stdio"

// maxFrameSize bounds one input line. load-instances frames carry whole
// snapshots.
const maxFrameSize = 32 << 20

// Adapter bridges a host process pipe into the kernel.
type Adapter struct {
	in  io.Reader
	log *slog.Logger

	writeMu sync.Mutex
	encoder *json.Encoder
}

type readResult struct {
	lastRequest string
	err         error
}

// NewAdapter reads requests from in and writes events to out.
func NewAdapter(in io.Reader, out io.Writer, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		in:      in,
		log:     log.With("component", "channel.stdio"),
		encoder: json.NewEncoder(out),
	}
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run announces the session, then forwards input lines until the input ends
// and the last request has been answered.
func (a *Adapter) Run(ctx context.Context, kernel channel.Kernel) error {
	if kernel == nil {
		return errors.New("kernel is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbound, unsubscribe := kernel.Bus().SubscribeOutbound(ctx, 64)
	defer unsubscribe()

	registerID, err := kernel.Submit(ctx, channelName, comm.Request{Instance: comm.MetaInstance, Operation: comm.OpRegister})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	readDone := make(chan readResult, 1)
	go func() {
		last, err := a.read(ctx, kernel)
		if last == "" {
			last = registerID
		}
		readDone <- readResult{lastRequest: last, err: err}
	}()

	a.log.Info("stdio channel started")

	var lastAnswered, waitFor string
	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-readDone:
			if result.err != nil {
				return result.err
			}
			if result.lastRequest == lastAnswered {
				return nil
			}
			waitFor = result.lastRequest
			readDone = nil
		case msg, ok := <-outbound:
			if !ok {
				return nil
			}
			if msg.Final {
				if msg.Channel == channelName {
					lastAnswered = msg.RequestID
				}
				if waitFor != "" && msg.RequestID == waitFor {
					return nil
				}
				continue
			}
			if err := a.write(msg.Event); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		}
	}
}

// read submits every decodable line and returns the id of the last one.
func (a *Adapter) read(ctx context.Context, kernel channel.Kernel) (string, error) {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	last := ""
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		req, err := channel.DecodeRequest(line)
		if err != nil {
			a.log.Warn("Ignoring undecodable request", "error", err)
			if err := a.write(channel.DecodeError(err)); err != nil {
				return last, fmt.Errorf("write event: %w", err)
			}
			continue
		}

		id, err := kernel.Submit(ctx, channelName, req)
		if err != nil {
			if ctx.Err() != nil {
				return last, nil
			}
			return last, fmt.Errorf("submit request: %w", err)
		}
		a.log.Debug("Request submitted", "request_id", id, "instance", req.Instance, "operation", req.Operation)
		last = id
	}
	if err := scanner.Err(); err != nil {
		return last, fmt.Errorf("read input: %w", err)
	}
	return last, nil
}

func (a *Adapter) write(e comm.Event) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.encoder.Encode(e)
}
