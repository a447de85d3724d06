package presence

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/table-sync/internal/types"
)

func TestJoinAndLeaveWithoutRedis(t *testing.T) {
	s := NewService(nil, "host-a", zerolog.New(io.Discard))
	ctx := context.Background()

	require.NoError(t, s.Join(ctx, 3))
	require.NoError(t, s.Join(ctx, 1))
	require.NoError(t, s.Join(ctx, types.UnassignedObserver))

	roster, err := s.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, types.ObserverID(1), roster[0].Observer)
	assert.Equal(t, "host-a", roster[1].Host)

	s.Leave(ctx, 1)
	cached := s.Cached()
	require.Len(t, cached, 1)
	assert.Equal(t, types.ObserverID(3), cached[0].Observer)
}

func TestRemoteEventsUpdateRoster(t *testing.T) {
	s := NewService(nil, "host-a", zerolog.New(io.Discard))
	s.recordLocal(Entry{Observer: 9, Host: "host-b"})
	assert.Len(t, s.Cached(), 1)

	s.recordLocal(Entry{Observer: 9, Host: "host-b", Disconnected: true})
	assert.Empty(t, s.Cached())
}
