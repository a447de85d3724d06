package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/table-sync/internal/host"
	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
	"github.com/example/table-sync/internal/ws"
)

// syncBuffer guards a bytes.Buffer written from listener goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startHost(t *testing.T) (*host.Host, string) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	registry := ws.NewConnectionRegistry()
	tables := host.New(registry, logger)

	hooks := ws.Hooks{
		OnObserverConnected: func(ctx context.Context, conn *ws.Connection, msg wire.Message) error {
			return tables.HandleMessage(ctx, msg, conn.Send)
		},
	}
	gw, err := ws.NewGateway(ws.SequentialIdentities(), registry, logger, hooks, ws.GatewayConfig{})
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return tables, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "observer", cmd.Use)

	for _, name := range []string{"watch", "get"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormatRejected(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"get", "scores", "--format", "xml"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}

func TestDialURL(t *testing.T) {
	u, err := dialURL(&RootOptions{Addr: "ws://h/ws", ObserverID: 4})
	require.NoError(t, err)
	assert.Equal(t, "ws://h/ws?observer_id=4", u)

	u, err = dialURL(&RootOptions{Addr: "ws://h/ws", ObserverID: 4, Spectator: true})
	require.NoError(t, err)
	assert.Equal(t, "ws://h/ws?spectator=1", u)

	u, err = dialURL(&RootOptions{Addr: "ws://h/ws", ObserverID: -1})
	require.NoError(t, err)
	assert.Equal(t, "ws://h/ws", u)
}

func TestGetPrintsReplicatedTable(t *testing.T) {
	tables, addr := startHost(t)
	ctx := context.Background()
	require.NoError(t, tables.CreateTable(ctx, "scores", map[string]any{"alice": 3, "bob": "x"}, types.Global))

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"get", "scores", "--addr", addr, "--format", "json", "--timeout", "5s"})
	require.NoError(t, cmd.Execute())

	var decoded struct {
		Table    string         `json:"table"`
		Contents map[string]any `json:"contents"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "scores", decoded.Table)
	assert.Equal(t, map[string]any{"alice": 3.0, "bob": "x"}, decoded.Contents)
}

func TestGetScopedTable(t *testing.T) {
	tables, addr := startHost(t)
	ctx := context.Background()
	require.NoError(t, tables.CreateObserverTable(ctx, "inventory", map[string]any{"gold": 7}, 5))
	require.NoError(t, tables.CreateObserverTable(ctx, "inventory", map[string]any{"gold": 1}, 6))

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"get", "inventory", "--scoped", "--observer-id", "5", "--addr", addr, "--timeout", "5s"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "gold=7\n", out.String())
}

func TestGetTimesOutForUnknownTable(t *testing.T) {
	_, addr := startHost(t)

	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"get", "missing", "--addr", addr, "--timeout", "200ms"})
	assert.Error(t, cmd.Execute())
}

func TestWatchStreamsUpdates(t *testing.T) {
	tables, addr := startHost(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tables.CreateTable(ctx, "scores", map[string]any{"a": 1}, types.Global))

	out := &syncBuffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"watch", "scores", "--addr", addr, "--format", "json"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), `"a":1`) }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, tables.SetValue(ctx, "scores", "b", 2))
	require.NoError(t, tables.DeleteKey(ctx, "scores", "a"))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), `"deletions":["a"]`) }, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), `"changes":{"b":2}`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
