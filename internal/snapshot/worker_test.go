package snapshot

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/table-sync/internal/types"
)

type memoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryBucket() *memoryBucket {
	return &memoryBucket{objects: make(map[string][]byte)}
}

func (b *memoryBucket) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *memoryBucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (b *memoryBucket) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type staticSource struct {
	records []types.TableRecord
}

func (s *staticSource) Records() []types.TableRecord { return s.records }

type captureRestorer struct {
	records []types.TableRecord
}

func (r *captureRestorer) Restore(_ context.Context, records []types.TableRecord) error {
	r.records = records
	return nil
}

func TestRunOnceSkipsUnchangedTables(t *testing.T) {
	source := &staticSource{records: []types.TableRecord{
		{Name: "scores", Scope: types.Global, Contents: types.Table{"a": 1.0}, Seq: 1},
	}}
	bucket := newMemoryBucket()
	w := NewWorker(source, bucket, "host-a", zerolog.New(io.Discard))
	ctx := context.Background()

	key, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "snapshots/host-a/"))

	key, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, key)

	source.records[0].Seq = 2
	key, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, key)
	assert.Len(t, bucket.objects, 2)
}

func TestRestoreLatestLoadsNewestSnapshot(t *testing.T) {
	bucket := newMemoryBucket()
	ctx := context.Background()

	older, err := Encode(Payload{Host: "host-a", Tables: []types.TableRecord{{Name: "old", Seq: 1}}})
	require.NoError(t, err)
	newer, err := Encode(Payload{Host: "host-a", Tables: []types.TableRecord{
		{Name: "inventory3", Scope: types.ObserverScope(3), Contents: types.Table{"gold": 5.0}, Seq: 7},
	}})
	require.NoError(t, err)
	require.NoError(t, bucket.Put(ctx, "snapshots/host-a/00000000000000000001.json.zst", older))
	require.NoError(t, bucket.Put(ctx, "snapshots/host-a/00000000000000000002.json.zst", newer))

	w := NewWorker(&staticSource{}, bucket, "host-a", zerolog.New(io.Discard))
	restorer := &captureRestorer{}
	payload, err := w.RestoreLatest(ctx, restorer)
	require.NoError(t, err)

	require.Len(t, restorer.records, 1)
	assert.Equal(t, payload.Tables, restorer.records)
	assert.Equal(t, types.TableName("inventory3"), restorer.records[0].Name)
	assert.Equal(t, types.ObserverScope(3), restorer.records[0].Scope)
	assert.Equal(t, types.Table{"gold": 5.0}, restorer.records[0].Contents)
}

func TestRestoreLatestWithoutSnapshots(t *testing.T) {
	w := NewWorker(&staticSource{}, newMemoryBucket(), "host-a", zerolog.New(io.Discard))
	_, err := w.RestoreLatest(context.Background(), &captureRestorer{})
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestWorkerWithoutBucket(t *testing.T) {
	w := NewWorker(&staticSource{}, nil, "host-a", zerolog.New(io.Discard))
	_, err := w.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, err := DecodePayload([]byte("not zstd"))
	assert.Error(t, err)
}
