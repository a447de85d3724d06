package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

func startGateway(t *testing.T, hooks Hooks) (*ConnectionRegistry, string) {
	t.Helper()
	registry := NewConnectionRegistry()
	gw, err := NewGateway(SequentialIdentities(), registry, zerolog.New(io.Discard), hooks, GatewayConfig{})
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return registry, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func receive(t *testing.T, ctx context.Context, client *Client) <-chan wire.Message {
	t.Helper()
	out := make(chan wire.Message, 16)
	go func() {
		_ = client.Run(ctx, func(msg wire.Message) error {
			out <- msg
			return nil
		})
	}()
	return out
}

func next(t *testing.T, ch <-chan wire.Message) wire.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return wire.Message{}
	}
}

func TestGatewayHandshakeReplaysAndBroadcasts(t *testing.T) {
	hooks := Hooks{
		OnObserverConnected: func(_ context.Context, conn *Connection, msg wire.Message) error {
			replay := wire.FullUpdate("global", types.Table{"observer": float64(msg.Observer)})
			return conn.Send(replay)
		},
	}
	registry, url := startGateway(t, hooks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := Dial(ctx, url+"?observer_id=7", nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, types.ObserverID(7), client.Observer())

	inbox := receive(t, ctx, client)
	require.NoError(t, client.Announce(ctx, wire.ObserverConnected(client.Observer())))

	replay := next(t, inbox)
	assert.Equal(t, wire.KindFullUpdate, replay.Kind)
	assert.Equal(t, types.Table{"observer": 7.0}, replay.Contents)

	require.Eventually(t, func() bool { return len(registry.Ready()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, registry.Publish(ctx, types.ObserverScope(8), wire.KeyDeletion("other8", "x")))
	require.NoError(t, registry.Publish(ctx, types.ObserverScope(7), wire.KeyDeletion("mine7", "x")))
	require.NoError(t, registry.Publish(ctx, types.Global, wire.IncrementalUpdate("global", types.ChangeSet{"k": "v"})))

	scoped := next(t, inbox)
	assert.Equal(t, types.TableName("mine7"), scoped.Name)
	global := next(t, inbox)
	assert.Equal(t, types.ChangeSet{"k": "v"}, global.Changes)
}

func TestGatewayReplayLargerThanSendBuffer(t *testing.T) {
	const tables = 200
	hooks := Hooks{
		OnObserverConnected: func(_ context.Context, conn *Connection, _ wire.Message) error {
			for i := 0; i < tables; i++ {
				name := types.TableName(fmt.Sprintf("t%03d", i))
				if err := conn.Send(wire.FullUpdate(name, types.Table{"i": float64(i)})); err != nil {
					return err
				}
			}
			return nil
		},
	}
	registry := NewConnectionRegistry()
	gw, err := NewGateway(SequentialIdentities(), registry, zerolog.New(io.Discard), hooks, GatewayConfig{SendBuffer: 4})
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer client.Close()

	inbox := receive(t, ctx, client)
	require.NoError(t, client.Announce(ctx, wire.ObserverConnected(client.Observer())))

	for i := 0; i < tables; i++ {
		msg := next(t, inbox)
		assert.Equal(t, types.TableName(fmt.Sprintf("t%03d", i)), msg.Name)
	}
	assert.Len(t, registry.Ready(), 1)
}

func TestGatewayPendingConnectionsGetNoBroadcasts(t *testing.T) {
	registry, url := startGateway(t, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := Dial(ctx, url, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer client.Close()

	assert.Zero(t, registry.DeliverBinary(types.Global, []byte{}))
	assert.Empty(t, registry.Ready())
}

func TestGatewayAssignsSequentialAndSpectatorIdentities(t *testing.T) {
	_, url := startGateway(t, Hooks{})
	ctx := context.Background()

	first, err := Dial(ctx, url, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer first.Close()
	second, err := Dial(ctx, url, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer second.Close()
	spectator, err := Dial(ctx, url+"?spectator=1", nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer spectator.Close()

	assert.Equal(t, types.ObserverID(0), first.Observer())
	assert.Equal(t, types.ObserverID(1), second.Observer())
	assert.Equal(t, types.UnassignedObserver, spectator.Observer())
}

func TestSequentialIdentitiesSkipClaimedIDs(t *testing.T) {
	auth := SequentialIdentities()
	identify := func(target string) types.ObserverID {
		id, err := auth.Authenticate(httptest.NewRequest(http.MethodGet, target, nil))
		require.NoError(t, err)
		return id.Observer
	}

	assert.Equal(t, types.ObserverID(0), identify("/ws?observer_id=0"))
	assert.Equal(t, types.ObserverID(2), identify("/ws?observer_id=2"))
	assert.Equal(t, types.ObserverID(1), identify("/ws"))
	assert.Equal(t, types.ObserverID(3), identify("/ws"))
	assert.Equal(t, types.ObserverID(1), identify("/ws?observer_id=1"), "reconnects may reclaim an identity")
}

func TestGatewayRejectsBadIdentity(t *testing.T) {
	registry := NewConnectionRegistry()
	gw, err := NewGateway(SequentialIdentities(), registry, zerolog.New(io.Discard), Hooks{}, GatewayConfig{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?observer_id=abc", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ws", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewGatewayRequiresCollaborators(t *testing.T) {
	_, err := NewGateway(nil, NewConnectionRegistry(), zerolog.New(io.Discard), Hooks{}, GatewayConfig{})
	assert.Error(t, err)
	_, err = NewGateway(SequentialIdentities(), nil, zerolog.New(io.Discard), Hooks{}, GatewayConfig{})
	assert.Error(t, err)
}
