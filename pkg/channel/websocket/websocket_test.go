package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"newtonchat/pkg/comm"
	"newtonchat/pkg/config"
	"newtonchat/pkg/message"
	"newtonchat/pkg/runtime"
)

func dial(t *testing.T) (*ws.Conn, *Handler, *runtime.Kernel) {
	t.Helper()

	cfg := config.Default()
	cfg.Chat.DataRoot = t.TempDir()
	loaders, err := runtime.Loaders(cfg, nil)
	require.NoError(t, err)
	k, err := runtime.StartKernel(context.Background(), loaders, runtime.Options{DefaultMode: runtime.ModeNewton})
	require.NoError(t, err)
	t.Cleanup(k.Close)

	handler := NewHandler(k, nil)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	conn, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, handler, k
}

// readUntil reads events until match accepts one.
func readUntil(t *testing.T, conn *ws.Conn, match func(comm.Event) bool) []comm.Event {
	t.Helper()

	var seen []comm.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var e comm.Event
		require.NoError(t, conn.ReadJSON(&e), "events so far: %+v", seen)
		seen = append(seen, e)
		if match(e) {
			return seen
		}
	}
}

func TestSocketIsRegisteredOnAttach(t *testing.T) {
	conn, handler, _ := dial(t)

	events := readUntil(t, conn, func(e comm.Event) bool { return e.Operation == comm.OpInit })
	require.Equal(t, comm.OpSyncMeta, events[0].Operation)
	require.NotNil(t, events[0].Loaders)
	require.Equal(t, []string{runtime.ModeNewton, runtime.ModeDitto, runtime.ModeChatGPT}, keys(events[0]))
	require.Equal(t, comm.BaseInstance, events[len(events)-1].Instance)
	require.EqualValues(t, 1, handler.Connections())
}

func TestSocketRoundTrip(t *testing.T) {
	conn, _, _ := dial(t)
	readUntil(t, conn, func(e comm.Event) bool { return e.Operation == comm.OpInit })

	newInstance, err := comm.NewInstanceRequest("d", runtime.ModeDitto, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(newInstance))

	m := message.Create("hi", message.TypeUser)
	m.KernelProcess = message.ProcessProcess
	say, err := comm.MessageRequest("d", m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(say))

	events := readUntil(t, conn, func(e comm.Event) bool {
		return e.Operation == comm.OpReply && e.Message != nil && e.Message.Reply == m.ID
	})
	reply := events[len(events)-1]
	require.Equal(t, "d", reply.Instance)
	require.Equal(t, "hi, ditto", reply.Message.Content())
	require.Equal(t, m.ID, reply.Message.Reply)
}

func TestSocketAnswersUndecodableFrames(t *testing.T) {
	conn, _, _ := dial(t)
	readUntil(t, conn, func(e comm.Event) bool { return e.Operation == comm.OpInit })

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"operation":"refresh"}`)))
	events := readUntil(t, conn, func(e comm.Event) bool { return e.Operation == comm.OpError })
	require.Contains(t, events[len(events)-1].Error, "instance and operation are required")
}

func TestSocketClosesWhenKernelStops(t *testing.T) {
	conn, _, k := dial(t)
	readUntil(t, conn, func(e comm.Event) bool { return e.Operation == comm.OpInit })

	k.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, ws.IsCloseError(err, ws.CloseGoingAway), "unexpected error: %v", err)
}

func keys(e comm.Event) []string {
	var out []string
	for pair := e.Loaders.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}
