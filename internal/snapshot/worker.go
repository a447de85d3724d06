package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
)

const defaultInterval = 15 * time.Second

// ErrNoSnapshot is returned by RestoreLatest when the bucket holds no snapshot.
var ErrNoSnapshot = errors.New("no snapshot available")

// Payload is the content of one snapshot object.
type Payload struct {
	Host      string              `json:"host"`
	CreatedAt time.Time           `json:"created_at"`
	Tables    []types.TableRecord `json:"tables"`
}

// Source yields the tables to snapshot.
type Source interface {
	Records() []types.TableRecord
}

// Restorer loads tables read back from a snapshot.
type Restorer interface {
	Restore(ctx context.Context, records []types.TableRecord) error
}

// Worker periodically exports every table to object storage as a
// zstd-compressed JSON document. Unchanged table sets are not re-uploaded.
type Worker struct {
	source Source
	bucket Bucket
	hostID string

	interval time.Duration
	last     string

	logger zerolog.Logger
}

// Option customizes a Worker.
type Option func(*Worker)

// WithInterval sets the snapshot cadence.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWorker constructs a snapshot worker with sane defaults.
func NewWorker(source Source, bucket Bucket, hostID string, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		source:   source,
		bucket:   bucket,
		hostID:   hostID,
		interval: defaultInterval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("snapshot emission failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce uploads a snapshot if the tables changed since the previous one.
// It returns the object key written, or "" when nothing was uploaded.
func (w *Worker) RunOnce(ctx context.Context) (string, error) {
	if w.bucket == nil {
		return "", fmt.Errorf("object storage client not configured")
	}

	records := w.source.Records()
	fingerprint := fingerprintOf(records)
	if fingerprint == w.last {
		return "", nil
	}

	now := time.Now().UTC()
	data, err := Encode(Payload{Host: w.hostID, CreatedAt: now, Tables: records})
	if err != nil {
		return "", err
	}

	key := objectKey(w.hostID, now)
	if err := w.bucket.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	w.last = fingerprint

	w.logger.Info().Str("object", key).Int("tables", len(records)).Int("bytes", len(data)).Msg("snapshot created")
	return key, nil
}

// RestoreLatest loads the newest snapshot written by this host into r.
func (w *Worker) RestoreLatest(ctx context.Context, r Restorer) (Payload, error) {
	if w.bucket == nil {
		return Payload{}, fmt.Errorf("object storage client not configured")
	}
	keys, err := w.bucket.List(ctx, objectPrefix(w.hostID))
	if err != nil {
		return Payload{}, fmt.Errorf("list snapshots: %w", err)
	}
	if len(keys) == 0 {
		return Payload{}, ErrNoSnapshot
	}

	latest := keys[0]
	for _, key := range keys[1:] {
		if key > latest {
			latest = key
		}
	}

	data, err := w.bucket.Get(ctx, latest)
	if err != nil {
		return Payload{}, fmt.Errorf("download snapshot %s: %w", latest, err)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		return Payload{}, fmt.Errorf("decode snapshot %s: %w", latest, err)
	}
	if err := r.Restore(ctx, payload.Tables); err != nil {
		return Payload{}, err
	}
	w.last = fingerprintOf(payload.Tables)

	w.logger.Info().Str("object", latest).Int("tables", len(payload.Tables)).Msg("snapshot restored")
	return payload, nil
}

// Encode serializes and compresses a snapshot payload.
func Encode(payload Payload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot payload: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodePayload decompresses and unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Payload{}, err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

func objectPrefix(hostID string) string {
	return fmt.Sprintf("snapshots/%s/", hostID)
}

// objectKey zero-pads the timestamp so lexical order matches creation order.
func objectKey(hostID string, at time.Time) string {
	return fmt.Sprintf("%s%020d.json.zst", objectPrefix(hostID), at.UnixNano())
}

func fingerprintOf(records []types.TableRecord) string {
	var b strings.Builder
	for _, record := range records {
		b.WriteString(string(record.Name))
		b.WriteByte('@')
		b.WriteString(strconv.FormatUint(record.Seq, 10))
		b.WriteByte(';')
	}
	return b.String()
}
