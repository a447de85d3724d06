package broadcast

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

type delivery struct {
	audience types.Scope
	payload  []byte
}

type fakeDeliverer struct {
	delivered []delivery
}

func (d *fakeDeliverer) DeliverBinary(audience types.Scope, payload []byte) int {
	d.delivered = append(d.delivered, delivery{audience: audience, payload: payload})
	return 1
}

func TestProcessDeliversDecodedFrameOnce(t *testing.T) {
	deliverer := &fakeDeliverer{}
	b := NewRedisBroadcaster(nil, deliverer, "host-a", zerolog.New(io.Discard))

	msg := wire.IncrementalUpdate("scores", types.ChangeSet{"a": 1.0})
	msg.Seq = 4
	raw, err := b.encode(types.ObserverScope(2), msg)
	require.NoError(t, err)

	require.NoError(t, b.process(string(raw)))
	require.NoError(t, b.process(string(raw)))

	require.Len(t, deliverer.delivered, 1)
	assert.Equal(t, types.ObserverScope(2), deliverer.delivered[0].audience)

	decoded, err := wire.Decode(deliverer.delivered[0].payload)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, uint64(4), decoded.Seq)
	assert.Equal(t, types.ChangeSet{"a": 1.0}, decoded.Changes)
}

func TestProcessRejectsBadPayloads(t *testing.T) {
	deliverer := &fakeDeliverer{}
	b := NewRedisBroadcaster(nil, deliverer, "host-a", zerolog.New(io.Discard))

	assert.Error(t, b.process("not json"))
	assert.Error(t, b.process(`{"table":"t"}`))
	assert.Error(t, b.process(`{"table":"t","message_id":"m","payload":"AAEC"}`))
	assert.Empty(t, deliverer.delivered)
}

func TestPublishWithoutClientFails(t *testing.T) {
	b := NewRedisBroadcaster(nil, &fakeDeliverer{}, "", zerolog.New(io.Discard))
	err := b.Publish(context.Background(), types.Global, wire.FullUpdate("t", nil))
	assert.Error(t, err)
}

func TestTopicPerTable(t *testing.T) {
	b := NewRedisBroadcaster(nil, &fakeDeliverer{}, "", zerolog.New(io.Discard))
	assert.Equal(t, "tables:scores", b.topic("scores"))
}
