package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

// IdentitySource yields the observer's own identity for scoped table names.
type IdentitySource interface {
	ObserverID() types.ObserverID
}

// Replicator owns an observer's replica store and listener registry and
// applies inbound wire messages to them. Apply calls are serialized: each
// message is fully applied and dispatched before the next one starts.
type Replicator struct {
	applyMu  sync.Mutex
	store    *Store
	registry *Registry
	identity IdentitySource
	logger   zerolog.Logger
}

// NewReplicator constructs a Replicator. identity may be nil when scoped
// helpers are not used.
func NewReplicator(identity IdentitySource, logger zerolog.Logger) *Replicator {
	return &Replicator{
		store:    NewStore(),
		registry: NewRegistry(logger),
		identity: identity,
		logger:   logger,
	}
}

// Store exposes the underlying replica store for diagnostics.
func (r *Replicator) Store() *Store { return r.store }

// Registry exposes the underlying listener registry.
func (r *Replicator) Registry() *Registry { return r.registry }

// Apply updates the replica store from msg and dispatches the resulting
// changes to the table's listeners. Updates that target a missing replica
// are logged, dropped and reported as ErrNoReplica. Dropping a table that has
// no replica dispatches nothing. Listeners must not call Apply,
// SubscribeAndFire or OnFirstUpdate.
func (r *Replicator) Apply(ctx context.Context, msg wire.Message) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	_, span := tracer.Start(ctx, "replica.apply", trace.WithAttributes(
		attribute.String("table", string(msg.Name)),
		attribute.String("kind", string(msg.Kind)),
	))
	defer span.End()

	started := time.Now()
	defer func() {
		applyLatency.WithLabelValues(string(msg.Kind)).Observe(time.Since(started).Seconds())
	}()

	var (
		changes   types.ChangeSet
		deletions types.DeletionSet
		err       error
	)

	switch msg.Kind {
	case wire.KindFullUpdate:
		var removed bool
		changes, deletions, removed = r.store.ApplyFull(msg.Name, msg.Contents)
		if len(msg.Contents) == 0 && !removed {
			r.logger.Debug().Str("table", string(msg.Name)).Msg("drop of absent table ignored")
			return nil
		}
	case wire.KindIncrementalUpdate:
		changes, err = r.store.ApplyIncremental(msg.Name, msg.Changes)
		deletions = types.DeletionSet{}
	case wire.KindKeyDeletion:
		deletions, err = r.store.ApplyDeletion(msg.Name, msg.Keys)
		changes = types.ChangeSet{}
	default:
		return fmt.Errorf("apply %s: %w", msg.Kind, wire.ErrUnknownKind)
	}

	if err != nil {
		protocolViolations.WithLabelValues(string(msg.Kind)).Inc()
		r.logger.Warn().
			Str("table", string(msg.Name)).
			Str("kind", string(msg.Kind)).
			Msg("update for nonexistent replica dropped")
		return fmt.Errorf("apply %s to %q: %w", msg.Kind, msg.Name, err)
	}

	r.registry.Dispatch(msg.Name, changes, deletions)
	return nil
}

// GetAllTableValues returns a deep copy of the table, or false if absent.
func (r *Replicator) GetAllTableValues(name types.TableName) (types.Table, bool) {
	return r.store.All(name)
}

// GetTableValue returns the value stored under key. found is false for an
// absent key; ErrNoReplica is returned for an absent table.
func (r *Replicator) GetTableValue(name types.TableName, key string) (any, bool, error) {
	return r.store.Value(name, key)
}

// Subscribe registers a listener for the named table.
func (r *Replicator) Subscribe(name types.TableName, listener Listener) types.ListenerID {
	return r.registry.Subscribe(name, listener)
}

// Unsubscribe cancels a listener. Repeated calls are harmless.
func (r *Replicator) Unsubscribe(id types.ListenerID) {
	r.registry.Unsubscribe(id)
}

// SubscribeAndFire invokes listener once with the current contents of the
// table, when a replica exists, then subscribes it for future updates. It is
// serialized with Apply, so no update can reach the listener before the
// initial call.
func (r *Replicator) SubscribeAndFire(name types.TableName, listener Listener) types.ListenerID {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	current, ok := r.store.All(name)
	id := r.registry.Subscribe(name, listener)
	if ok {
		if err := invoke(listener, name, types.ChangeSet(current), types.DeletionSet{}); err != nil {
			listenerFaults.Inc()
			r.logger.Error().Err(err).Str("table", string(name)).Uint64("listener", uint64(id)).Msg("initial table listener call failed")
		}
	}
	return id
}

// OnFirstUpdate runs fn exactly once: immediately if the table is already
// replicated, otherwise on the first update dispatched for it. The returned
// cancel function removes the pending subscription.
func (r *Replicator) OnFirstUpdate(name types.TableName, fn func()) (cancel func()) {
	r.applyMu.Lock()
	if r.store.Exists(name) {
		r.applyMu.Unlock()
		fn()
		return func() {}
	}

	var once sync.Once
	id := r.registry.subscribeWith(name, func(self types.ListenerID) Listener {
		return func(types.TableName, types.ChangeSet, types.DeletionSet) error {
			once.Do(func() {
				r.registry.Unsubscribe(self)
				fn()
			})
			return nil
		}
	})
	r.applyMu.Unlock()
	return func() { r.registry.Unsubscribe(id) }
}
