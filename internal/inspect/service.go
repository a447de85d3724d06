package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/table-sync/internal/presence"
	"github.com/example/table-sync/internal/types"
)

const defaultCacheSize = 256

// ErrNotFound is returned when a table or key does not exist.
var ErrNotFound = errors.New("not found")

// TableSource is the read surface of the authoritative host.
type TableSource interface {
	Records() []types.TableRecord
	Record(name types.TableName) (types.TableRecord, bool)
	Seq(name types.TableName) (uint64, bool)
}

// HistorySource replays persisted table versions after a sequence number.
type HistorySource interface {
	History(ctx context.Context, name types.TableName, fromSeq uint64, handler func(seq uint64, table types.Table) error) error
}

// RosterSource lists registered observers.
type RosterSource interface {
	Roster(ctx context.Context) ([]presence.Entry, error)
}

// TableSummary describes a table without its contents.
type TableSummary struct {
	Name      types.TableName `json:"name"`
	Scope     types.Scope     `json:"scope"`
	Seq       uint64          `json:"seq"`
	Keys      int             `json:"keys"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Version is one entry of a table's persisted history.
type Version struct {
	Seq     uint64      `json:"seq"`
	Deleted bool        `json:"deleted,omitempty"`
	Table   types.Table `json:"table,omitempty"`
}

type cacheKey struct {
	name types.TableName
	seq  uint64
}

// Service answers read-only queries about host tables. Encoded table bodies
// are cached by name and sequence number, so a cached body is never stale.
type Service struct {
	tables  TableSource
	history HistorySource
	roster  RosterSource
	cache   *lru.Cache[cacheKey, []byte]
}

// Option customizes a Service.
type Option func(*Service)

// WithHistory enables the history endpoint.
func WithHistory(h HistorySource) Option {
	return func(s *Service) { s.history = h }
}

// WithRoster enables the observers endpoint.
func WithRoster(r RosterSource) Option {
	return func(s *Service) { s.roster = r }
}

// NewService constructs a Service with an LRU of cacheSize encoded bodies.
func NewService(tables TableSource, cacheSize int, opts ...Option) (*Service, error) {
	if cacheSize < 1 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[cacheKey, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create table cache: %w", err)
	}
	s := &Service{tables: tables, cache: cache}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// List summarizes every table.
func (s *Service) List() []TableSummary {
	records := s.tables.Records()
	out := make([]TableSummary, 0, len(records))
	for _, record := range records {
		out = append(out, TableSummary{
			Name:      record.Name,
			Scope:     record.Scope,
			Seq:       record.Seq,
			Keys:      len(record.Contents),
			UpdatedAt: record.UpdatedAt,
		})
	}
	return out
}

// TableJSON returns the encoded record of a table.
func (s *Service) TableJSON(name types.TableName) ([]byte, error) {
	if seq, ok := s.tables.Seq(name); ok {
		if body, hit := s.cache.Get(cacheKey{name: name, seq: seq}); hit {
			cacheLookups.WithLabelValues("hit").Inc()
			return body, nil
		}
	}
	cacheLookups.WithLabelValues("miss").Inc()

	record, ok := s.tables.Record(name)
	if !ok {
		return nil, fmt.Errorf("table %s: %w", name, ErrNotFound)
	}
	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode table %s: %w", name, err)
	}
	s.cache.Add(cacheKey{name: name, seq: record.Seq}, body)
	return body, nil
}

// Value returns a single entry of a table.
func (s *Service) Value(name types.TableName, key string) (any, error) {
	record, ok := s.tables.Record(name)
	if !ok {
		return nil, fmt.Errorf("table %s: %w", name, ErrNotFound)
	}
	value, found := record.Contents[key]
	if !found {
		return nil, fmt.Errorf("key %q in table %s: %w", key, name, ErrNotFound)
	}
	return value, nil
}

// History lists persisted versions of a table after fromSeq.
func (s *Service) History(ctx context.Context, name types.TableName, fromSeq uint64) ([]Version, error) {
	if s.history == nil {
		return nil, errors.New("history not configured")
	}
	var versions []Version
	err := s.history.History(ctx, name, fromSeq, func(seq uint64, table types.Table) error {
		versions = append(versions, Version{Seq: seq, Deleted: table == nil, Table: table})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// Observers lists registered observers.
func (s *Service) Observers(ctx context.Context) ([]presence.Entry, error) {
	if s.roster == nil {
		return nil, errors.New("presence not configured")
	}
	return s.roster.Roster(ctx)
}
