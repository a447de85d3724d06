package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

var (
	// ErrNoTable is returned when an operation targets a table that does not exist.
	ErrNoTable = errors.New("table does not exist")
	// ErrTableExists is returned by CreateTable when the name is already taken.
	ErrTableExists = errors.New("table already exists")
)

// Publisher delivers an owner message to the observers in audience.
type Publisher interface {
	Publish(ctx context.Context, audience types.Scope, msg wire.Message) error
}

// Persister durably records authoritative tables.
type Persister interface {
	SaveTable(ctx context.Context, record types.TableRecord) error
	DeleteTable(ctx context.Context, name types.TableName) error
}

type table struct {
	scope    types.Scope
	contents types.Table
	seq      uint64
	updated  time.Time
}

// Host owns the authoritative copy of every table. Each mutation is persisted
// (when a Persister is configured), applied in memory and announced as exactly
// one wire message stamped with the table's next sequence number.
type Host struct {
	mu        sync.RWMutex
	tables    map[types.TableName]*table
	seqs      map[types.TableName]uint64
	publisher Publisher
	persister Persister
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customizes a Host.
type Option func(*Host)

// WithPersister writes every mutation through p before it is applied.
func WithPersister(p Persister) Option {
	return func(h *Host) { h.persister = p }
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// New constructs a Host that announces mutations through publisher.
func New(publisher Publisher, logger zerolog.Logger, opts ...Option) *Host {
	h := &Host{
		tables:    make(map[types.TableName]*table),
		seqs:      make(map[types.TableName]uint64),
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateTable registers a new table with initial contents, visible to the
// observers in scope.
func (h *Host) CreateTable(ctx context.Context, name types.TableName, contents map[string]any, scope types.Scope) error {
	normalized, err := types.NormalizeTable(contents)
	if err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.tables[name]; ok {
		return fmt.Errorf("create table %s: %w", name, ErrTableExists)
	}

	t := &table{scope: scope, contents: normalized, seq: h.seqs[name] + 1, updated: h.now()}
	if err := h.persist(ctx, name, t); err != nil {
		return err
	}
	h.seqs[name] = t.seq
	h.tables[name] = t
	tableCount.Set(float64(len(h.tables)))
	mutations.WithLabelValues("create").Inc()

	msg := wire.FullUpdate(name, normalized.Clone())
	msg.Seq = t.seq
	h.publish(ctx, scope, msg)
	return nil
}

// DeleteTable removes a table and tells its observers to drop their replica.
func (h *Host) DeleteTable(ctx context.Context, name types.TableName) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tables[name]
	if !ok {
		return fmt.Errorf("delete table %s: %w", name, ErrNoTable)
	}
	if h.persister != nil {
		if err := h.persister.DeleteTable(ctx, name); err != nil {
			return fmt.Errorf("delete table %s: %w", name, err)
		}
	}

	seq := h.seqs[name] + 1
	h.seqs[name] = seq
	delete(h.tables, name)
	tableCount.Set(float64(len(h.tables)))
	mutations.WithLabelValues("delete_table").Inc()

	msg := wire.FullUpdate(name, nil)
	msg.Seq = seq
	h.publish(ctx, t.scope, msg)
	return nil
}

// TableExists reports whether name is a live table.
func (h *Host) TableExists(name types.TableName) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tables[name]
	return ok
}

// GetValue returns a copy of the value stored under key.
func (h *Host) GetValue(name types.TableName, key string) (any, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	t, ok := h.tables[name]
	if !ok {
		return nil, false, fmt.Errorf("get value %s: %w", name, ErrNoTable)
	}
	value, found := t.contents[key]
	if !found {
		return nil, false, nil
	}
	return types.CloneValue(value), true, nil
}

// GetAllValues returns a copy of the table contents.
func (h *Host) GetAllValues(name types.TableName) (types.Table, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	t, ok := h.tables[name]
	if !ok {
		return nil, false
	}
	return t.contents.Clone(), true
}

// SetValue stores a single key and announces it as an incremental update.
func (h *Host) SetValue(ctx context.Context, name types.TableName, key string, value any) error {
	return h.SetValues(ctx, name, map[string]any{key: value})
}

// SetValues merges values into the table and announces them as one
// incremental update, or as a full update when the table was empty.
func (h *Host) SetValues(ctx context.Context, name types.TableName, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	changes, err := types.NormalizeTable(values)
	if err != nil {
		return fmt.Errorf("set values %s: %w", name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tables[name]
	if !ok {
		return fmt.Errorf("set values %s: %w", name, ErrNoTable)
	}

	next := t.contents.Clone()
	for key, value := range changes {
		next[key] = value
	}
	updated := &table{scope: t.scope, contents: next, seq: h.seqs[name] + 1, updated: h.now()}
	if err := h.persist(ctx, name, updated); err != nil {
		return err
	}
	h.seqs[name] = updated.seq
	h.tables[name] = updated
	mutations.WithLabelValues("set").Inc()

	// Observers hold no replica of an empty table, so it is sent whole.
	msg := wire.IncrementalUpdate(name, types.ChangeSet(changes.Clone()))
	if len(t.contents) == 0 {
		msg = wire.FullUpdate(name, next.Clone())
	}
	msg.Seq = updated.seq
	h.publish(ctx, t.scope, msg)
	return nil
}

// DeleteKey removes a single key.
func (h *Host) DeleteKey(ctx context.Context, name types.TableName, key string) error {
	return h.DeleteKeys(ctx, name, key)
}

// DeleteKeys removes keys from the table and announces them as one key
// deletion message.
func (h *Host) DeleteKeys(ctx context.Context, name types.TableName, keys ...string) error {
	set := types.NewDeletionSet(keys...)
	if len(set) == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tables[name]
	if !ok {
		return fmt.Errorf("delete keys %s: %w", name, ErrNoTable)
	}

	next := t.contents.Clone()
	for _, key := range set {
		delete(next, key)
	}
	updated := &table{scope: t.scope, contents: next, seq: h.seqs[name] + 1, updated: h.now()}
	if err := h.persist(ctx, name, updated); err != nil {
		return err
	}
	h.seqs[name] = updated.seq
	h.tables[name] = updated
	mutations.WithLabelValues("delete_keys").Inc()

	msg := wire.KeyDeletion(name, set...)
	msg.Seq = updated.seq
	h.publish(ctx, t.scope, msg)
	return nil
}

// Seq returns the current sequence number of a live table.
func (h *Host) Seq(name types.TableName) (uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tables[name]
	if !ok {
		return 0, false
	}
	return t.seq, true
}

// Record returns a copy of a single live table.
func (h *Host) Record(name types.TableName) (types.TableRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tables[name]
	if !ok {
		return types.TableRecord{}, false
	}
	return types.TableRecord{Name: name, Scope: t.scope, Contents: t.contents.Clone(), Seq: t.seq, UpdatedAt: t.updated}, true
}

// Records returns a point-in-time copy of every table, ordered by name.
func (h *Host) Records() []types.TableRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	records := make([]types.TableRecord, 0, len(h.tables))
	for name, t := range h.tables {
		records = append(records, types.TableRecord{
			Name:      name,
			Scope:     t.scope,
			Contents:  t.contents.Clone(),
			Seq:       t.seq,
			UpdatedAt: t.updated,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Restore loads previously persisted tables. Existing tables with the same
// name are replaced and every restored table is announced as a full update.
// Restored tables are not written back to the persister.
func (h *Host) Restore(ctx context.Context, records []types.TableRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, record := range records {
		contents, err := types.NormalizeTable(record.Contents)
		if err != nil {
			return fmt.Errorf("restore table %s: %w", record.Name, err)
		}
		seq := record.Seq
		if current := h.seqs[record.Name]; current >= seq {
			seq = current + 1
		}
		updated := record.UpdatedAt
		if updated.IsZero() {
			updated = h.now()
		}
		h.seqs[record.Name] = seq
		h.tables[record.Name] = &table{scope: record.Scope, contents: contents, seq: seq, updated: updated}
		mutations.WithLabelValues("restore").Inc()

		msg := wire.FullUpdate(record.Name, contents.Clone())
		msg.Seq = seq
		h.publish(ctx, record.Scope, msg)
	}
	tableCount.Set(float64(len(h.tables)))
	h.logger.Info().Int("tables", len(records)).Msg("restored tables")
	return nil
}

// ObserverConnected replays a full update of every table visible to id
// through send. Mutations are held off until the replay has been queued so
// the observer never sees a table state older than its replay.
func (h *Host) ObserverConnected(ctx context.Context, id types.ObserverID, send func(wire.Message) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]types.TableName, 0, len(h.tables))
	for name, t := range h.tables {
		if t.scope.Visible(id) {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	for _, name := range names {
		t := h.tables[name]
		msg := wire.FullUpdate(name, t.contents.Clone())
		msg.Seq = t.seq
		if err := send(msg); err != nil {
			return fmt.Errorf("replay table %s to observer %s: %w", name, id, err)
		}
	}
	h.logger.Info().Str("observer", id.String()).Int("tables", len(names)).Msg("observer connected")
	return nil
}

// HandleMessage processes a message received from an observer. Only the
// registration handshake is meaningful in that direction.
func (h *Host) HandleMessage(ctx context.Context, msg wire.Message, send func(wire.Message) error) error {
	if msg.Kind != wire.KindObserverConnected {
		h.logger.Warn().Str("kind", string(msg.Kind)).Str("table", string(msg.Name)).Msg("ignoring observer-originated update")
		return nil
	}
	return h.ObserverConnected(ctx, msg.Observer, send)
}

func (h *Host) persist(ctx context.Context, name types.TableName, t *table) error {
	if h.persister == nil {
		return nil
	}
	record := types.TableRecord{Name: name, Scope: t.scope, Contents: t.contents, Seq: t.seq, UpdatedAt: t.updated}
	if err := h.persister.SaveTable(ctx, record); err != nil {
		return fmt.Errorf("persist table %s: %w", name, err)
	}
	return nil
}

// publish is called with h.mu held so messages leave in sequence order.
func (h *Host) publish(ctx context.Context, audience types.Scope, msg wire.Message) {
	ctx, span := tracer.Start(ctx, "host.publish", trace.WithAttributes(
		attribute.String("table", string(msg.Name)),
		attribute.String("kind", string(msg.Kind)),
		attribute.Int64("seq", int64(msg.Seq)),
	))
	defer span.End()

	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, audience, msg); err != nil {
		publishFailures.Inc()
		span.RecordError(err)
		h.logger.Error().Err(err).
			Str("table", string(msg.Name)).
			Str("kind", string(msg.Kind)).
			Uint64("seq", msg.Seq).
			Msg("failed to publish table update")
	}
}
