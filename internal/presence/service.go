package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
	"github.com/example/table-sync/internal/ws"
)

const (
	defaultTTL       = 45 * time.Second
	defaultKeyPrefix = "presence:observer:"
	defaultChannel   = "presence:events"
	scanBatchSize    = 100
)

// Entry describes a registered observer.
type Entry struct {
	Observer     types.ObserverID `json:"observer"`
	Host         string           `json:"host"`
	ConnectedAt  time.Time        `json:"connected_at"`
	Disconnected bool             `json:"disconnected,omitempty"`
}

// Service keeps a Redis-backed roster of registered observers. Entries
// expire unless the owning instance refreshes them.
type Service struct {
	client *redis.Client
	hostID string
	logger zerolog.Logger

	ttl       time.Duration
	keyPrefix string
	channel   string

	mu     sync.RWMutex
	local  map[types.ObserverID]Entry
	roster map[types.ObserverID]Entry
}

// NewService constructs a presence service backed by Redis.
func NewService(client *redis.Client, hostID string, logger zerolog.Logger) *Service {
	return &Service{
		client:    client,
		hostID:    hostID,
		logger:    logger,
		ttl:       defaultTTL,
		keyPrefix: defaultKeyPrefix,
		channel:   defaultChannel,
		local:     make(map[types.ObserverID]Entry),
		roster:    make(map[types.ObserverID]Entry),
	}
}

// Start begins background maintenance goroutines.
func (s *Service) Start(ctx context.Context) {
	go s.subscribe(ctx)
	go s.refreshLoop(ctx)
}

// Join records a registered observer. Spectators are not tracked.
func (s *Service) Join(ctx context.Context, id types.ObserverID) error {
	if !id.Assigned() {
		return nil
	}
	entry := Entry{Observer: id, Host: s.hostID, ConnectedAt: time.Now().UTC()}
	if err := s.persist(ctx, entry); err != nil {
		return err
	}

	s.mu.Lock()
	s.local[id] = entry
	s.mu.Unlock()
	s.recordLocal(entry)

	if err := s.publish(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence join")
	}
	return nil
}

// Leave removes an observer from the roster and notifies peers.
func (s *Service) Leave(ctx context.Context, id types.ObserverID) {
	if !id.Assigned() {
		return
	}
	s.mu.Lock()
	delete(s.local, id)
	s.mu.Unlock()

	if s.client != nil {
		key := s.key(id)
		if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
		}
	}

	removal := Entry{Observer: id, Host: s.hostID, Disconnected: true}
	s.recordLocal(removal)
	if err := s.publish(ctx, removal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence removal")
	}
}

// Roster loads every live observer entry from Redis, ordered by identity.
func (s *Service) Roster(ctx context.Context) ([]Entry, error) {
	if s.client == nil {
		return s.Cached(), nil
	}
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(strVal), &entry); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)

	s.mu.Lock()
	for _, entry := range entries {
		s.roster[entry.Observer] = entry
	}
	s.mu.Unlock()
	return entries, nil
}

// Cached returns the roster as last observed through Redis events.
func (s *Service) Cached() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, 0, len(s.roster))
	for _, entry := range s.roster {
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries
}

func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// refresh extends the TTL of locally connected observers.
func (s *Service) refresh(ctx context.Context) {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.local))
	for _, entry := range s.local {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	for _, entry := range entries {
		if err := s.persist(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("observer", entry.Observer.String()).Msg("failed to refresh presence")
		}
	}
}

func (s *Service) subscribe(ctx context.Context) {
	if s.client == nil {
		return
	}
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var entry Entry
			if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
				s.logger.Warn().Err(err).Msg("failed to decode presence event")
				continue
			}
			s.recordLocal(entry)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) recordLocal(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Disconnected {
		delete(s.roster, entry.Observer)
		return
	}
	s.roster[entry.Observer] = entry
}

func (s *Service) persist(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, s.key(entry.Observer), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence event: %w", err)
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

func (s *Service) key(id types.ObserverID) string {
	return s.keyPrefix + id.String()
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Observer < entries[j].Observer })
}

// WrapHooks installs presence tracking into the provided hook set, preserving
// any existing callbacks for composition.
func (s *Service) WrapHooks(base ws.Hooks) ws.Hooks {
	baseConnected := base.OnObserverConnected
	base.OnObserverConnected = func(ctx context.Context, conn *ws.Connection, msg wire.Message) error {
		if baseConnected != nil {
			if err := baseConnected(ctx, conn, msg); err != nil {
				return err
			}
		}
		if err := s.Join(ctx, conn.Observer()); err != nil {
			s.logger.Warn().Err(err).Str("observer", conn.Observer().String()).Msg("failed to record presence")
		}
		return nil
	}

	baseDisconnect := base.OnDisconnect
	base.OnDisconnect = func(conn *ws.Connection) {
		if baseDisconnect != nil {
			baseDisconnect(conn)
		}
		s.Leave(context.Background(), conn.Observer())
	}

	return base
}
