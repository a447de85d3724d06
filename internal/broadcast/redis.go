package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

const (
	defaultTopicPrefix    = "tables:"
	defaultDedupeTTL      = 2 * time.Minute
	maxBackoffDelay       = 30 * time.Second
	maxPublishAttempts    = 5
	initialPublishBackoff = 100 * time.Millisecond
)

// Deliverer hands an encoded wire frame to the local connections in audience.
type Deliverer interface {
	DeliverBinary(audience types.Scope, payload []byte) int
}

type redisMessage struct {
	Table      string      `json:"table"`
	MessageID  string      `json:"message_id"`
	Audience   types.Scope `json:"audience"`
	Origin     string      `json:"origin,omitempty"`
	Payload    []byte      `json:"payload"`
	EnqueuedAt int64       `json:"enqueued_at"`
}

// RedisBroadcaster publishes owner messages to Redis and fans them back out
// to the observers connected to every instance.
type RedisBroadcaster struct {
	client    *redis.Client
	deliverer Deliverer
	logger    zerolog.Logger
	origin    string

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
// origin identifies this host instance in published payloads.
func NewRedisBroadcaster(client *redis.Client, deliverer Deliverer, origin string, logger zerolog.Logger) *RedisBroadcaster {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between publish and delivery to local observers.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"kind"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &RedisBroadcaster{
		client:      client,
		deliverer:   deliverer,
		logger:      logger,
		origin:      origin,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
		latency:     histogram,
	}
}

// Publish encodes msg and sends it to the table topic, retrying transient
// failures a bounded number of times.
func (b *RedisBroadcaster) Publish(ctx context.Context, audience types.Scope, msg wire.Message) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}

	encoded, err := b.encode(audience, msg)
	if err != nil {
		return err
	}

	topic := b.topic(msg.Name)
	backoff := initialPublishBackoff
	for attempt := 1; ; attempt++ {
		err := b.client.Publish(ctx, topic, encoded).Err()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt >= maxPublishAttempts {
			return fmt.Errorf("publish to %s after %d attempts: %w", topic, attempt, err)
		}
		b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start begins consuming redis pub/sub messages and delivering them to local
// observers.
func (b *RedisBroadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, fmt.Sprintf("%s*", b.topicPrefix))
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(msg.Payload); err != nil {
				b.logger.Warn().Err(err).Str("topic", msg.Channel).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) encode(audience types.Scope, msg wire.Message) ([]byte, error) {
	payload, err := wire.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode wire message: %w", err)
	}
	envelope := redisMessage{
		Table:      string(msg.Name),
		MessageID:  msg.ID,
		Audience:   audience,
		Origin:     b.origin,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode redis payload: %w", err)
	}
	return encoded, nil
}

func (b *RedisBroadcaster) process(raw string) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.Table == "" || payload.MessageID == "" {
		return errors.New("incomplete payload")
	}

	if b.isDuplicate(payload.MessageID) {
		return nil
	}

	msg, err := wire.Decode(payload.Payload)
	if err != nil {
		return err
	}

	var latencySeconds float64
	if payload.EnqueuedAt > 0 {
		latencySeconds = time.Since(time.Unix(0, payload.EnqueuedAt)).Seconds()
	}
	b.latency.WithLabelValues(string(msg.Kind)).Observe(latencySeconds)

	b.deliverer.DeliverBinary(payload.Audience, payload.Payload)
	return nil
}

func (b *RedisBroadcaster) topic(table types.TableName) string {
	return fmt.Sprintf("%s%s", b.topicPrefix, table)
}

func (b *RedisBroadcaster) isDuplicate(messageID string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	now := time.Now()
	if ts, ok := b.seen[messageID]; ok {
		if now.Sub(ts) < b.dedupeTTL {
			return true
		}
	}

	b.seen[messageID] = now
	cutoff := now.Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
