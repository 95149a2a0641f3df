package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"newtonchat/pkg/bot"
	"newtonchat/pkg/bus"
	"newtonchat/pkg/comm"
	"newtonchat/pkg/config"
	"newtonchat/pkg/message"
	"newtonchat/pkg/provider"
	providertypes "newtonchat/pkg/provider/types"
	"newtonchat/pkg/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Chat.DataRoot = t.TempDir()
	return cfg
}

func testLoaders(t *testing.T) *bot.Loaders {
	t.Helper()

	generator := provider.GeneratorFunc(func(context.Context, providertypes.Request) (providertypes.Completion, error) {
		return providertypes.Completion{Choices: []string{"model says hi"}}, nil
	})
	loaders, err := Loaders(testConfig(t), generator)
	if err != nil {
		t.Fatalf("Loaders error: %v", err)
	}
	return loaders
}

func startKernel(t *testing.T, opts Options) *Kernel {
	t.Helper()

	if opts.DefaultMode == "" {
		opts.DefaultMode = ModeNewton
	}
	k, err := StartKernel(context.Background(), testLoaders(t), opts)
	if err != nil {
		t.Fatalf("StartKernel error: %v", err)
	}
	t.Cleanup(k.Close)
	return k
}

func do(t *testing.T, k *Kernel, req comm.Request) []comm.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := k.Do(ctx, "test", req)
	if err != nil {
		t.Fatalf("Do(%s %s) error: %v", req.Instance, req.Operation, err)
	}
	return events
}

func operations(events []comm.Event) []string {
	ops := make([]string, 0, len(events))
	for _, e := range events {
		ops = append(ops, e.Operation)
	}
	return ops
}

func TestLoadersRegisterBuiltInModes(t *testing.T) {
	loaders := testLoaders(t)

	if got := strings.Join(loaders.Modes(), ","); got != "newton,ditto,chatgpt" {
		t.Fatalf("modes = %q", got)
	}
	for _, mode := range loaders.Modes() {
		if _, err := loaders.Build(mode); err != nil {
			t.Fatalf("Build(%s) error: %v", mode, err)
		}
	}
	if schema, _ := loaders.Schemas().Get(ModeChatGPT); len(schema.Names()) == 0 {
		t.Fatal("chatgpt schema must list its settings")
	}
}

func TestLoadersRejectMissingDataRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.DataRoot = filepath.Join(cfg.Chat.DataRoot, "missing")

	if _, err := Loaders(cfg, nil); err == nil {
		t.Fatal("expected error for a missing data root")
	}
}

func TestLoadersRejectMissingSubjectsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.SubjectsFile = filepath.Join(cfg.Chat.DataRoot, "subjects.yaml")

	if _, err := Loaders(cfg, nil); err == nil {
		t.Fatal("expected error for a missing subjects file")
	}
}

func TestKernelRegisterAnnouncesBase(t *testing.T) {
	k := startKernel(t, Options{})

	events := do(t, k, comm.Request{Instance: comm.MetaInstance, Operation: comm.OpRegister})
	if got := strings.Join(operations(events), ","); got != "sync-meta,init" {
		t.Fatalf("events = %s", got)
	}
	info := events[1].Info
	if events[1].Instance != comm.BaseInstance || info.Mode != ModeNewton || len(info.History) != 1 {
		t.Fatalf("init = %+v", events[1])
	}
	if info.History[0].Content() != "What subject do you want to know about?" {
		t.Fatalf("opening reply = %q", info.History[0].Content())
	}
}

func TestKernelHandlesMessagesInOrder(t *testing.T) {
	k := startKernel(t, Options{})

	req, err := comm.NewInstanceRequest("echo", ModeDitto, nil)
	if err != nil {
		t.Fatalf("NewInstanceRequest error: %v", err)
	}
	do(t, k, req)

	for _, text := range []string{"one", "two"} {
		m := message.Create(text, message.TypeUser)
		m.KernelProcess = message.ProcessProcess
		req, err := comm.MessageRequest("echo", m)
		if err != nil {
			t.Fatalf("MessageRequest error: %v", err)
		}

		events := do(t, k, req)
		if len(events) != 2 || events[0].Message.ID != m.ID || events[1].Message.Content() != text+", ditto" {
			t.Fatalf("events for %q = %+v", text, events)
		}
		if events[1].Instance != "echo" || events[1].Message.Reply != m.ID {
			t.Fatalf("reply = %+v", events[1])
		}
	}
}

func TestKernelReportsRoutingErrors(t *testing.T) {
	k := startKernel(t, Options{})

	events := do(t, k, comm.Request{Instance: "ghost", Operation: comm.OpRefresh})
	if len(events) != 1 || events[0].Operation != comm.OpError || events[0].Instance != comm.BaseInstance {
		t.Fatalf("events = %+v", events)
	}
}

func TestKernelPublishesLifecycleEvents(t *testing.T) {
	k := startKernel(t, Options{})

	lifecycle, unsubscribe := k.Bus().SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	do(t, k, comm.Request{Instance: comm.MetaInstance, Operation: comm.OpRefresh})

	var got []bus.Event
	for len(got) < 2 {
		select {
		case event := <-lifecycle:
			got = append(got, event)
		case <-time.After(time.Second):
			t.Fatalf("lifecycle events = %+v", got)
		}
	}
	if got[0].Type != bus.EventRequestReceived || got[1].Type != bus.EventRequestCompleted {
		t.Fatalf("lifecycle events = %+v", got)
	}
	if got[1].Payload["events"] != "1" || got[1].Payload["errors"] != "0" || got[1].Channel != "test" {
		t.Fatalf("completed = %+v", got[1])
	}
}

func TestKernelPersistsAndRestores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	k := startKernel(t, Options{Store: store.NewFileStore(path)})

	req, err := comm.NewInstanceRequest("t1", ModeChatGPT, nil)
	require.NoError(t, err)
	do(t, k, req)

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist, "without autosave only save-instances persists")

	events := do(t, k, comm.Request{Instance: comm.MetaInstance, Operation: comm.OpSaveInstances})
	require.Equal(t, []string{comm.OpInstances}, operations(events))
	require.FileExists(t, path)
	k.Close()

	restored := startKernel(t, Options{Store: store.NewFileStore(path)})
	events = do(t, restored, comm.Request{Instance: comm.MetaInstance, Operation: comm.OpRegister})
	require.Equal(t, []string{comm.OpSyncMeta, comm.OpInit, comm.OpInit}, operations(events))
	require.Equal(t, "t1", events[2].Instance)
	require.Equal(t, ModeChatGPT, events[2].Info.Mode)
	require.Len(t, events[2].Info.History, 1)
}

func TestKernelAutosave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	s := store.NewFileStore(path)
	k := startKernel(t, Options{Store: s, Autosave: true})

	req, err := comm.NewInstanceRequest("t1", ModeDitto, nil)
	require.NoError(t, err)
	do(t, k, req)

	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	_, ok := snap.Instances.Get("t1")
	require.True(t, ok)
}

func TestKernelRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	_, err := StartKernel(context.Background(), testLoaders(t), Options{DefaultMode: ModeNewton, Store: store.NewFileStore(path)})
	require.Error(t, err)
}

func TestKernelCloseIsIdempotent(t *testing.T) {
	k := startKernel(t, Options{})
	k.Close()
	k.Close()

	if _, err := k.Do(context.Background(), "test", comm.Request{Instance: comm.MetaInstance, Operation: comm.OpRefresh}); err == nil {
		t.Fatal("expected error after close")
	}
}
