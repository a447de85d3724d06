package replica

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
)

// Listener receives the changes and deletions applied to a table. A returned
// error is logged and does not affect other listeners.
type Listener func(table types.TableName, changes types.ChangeSet, deletions types.DeletionSet) error

type subscription struct {
	id       types.ListenerID
	listener Listener
}

// Registry multiplexes listeners per table name. Listener IDs increase
// monotonically for the lifetime of the registry and are never reused.
type Registry struct {
	mu      sync.RWMutex
	nextID  types.ListenerID
	byTable map[types.TableName][]subscription
	owners  map[types.ListenerID]types.TableName
	logger  zerolog.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byTable: make(map[types.TableName][]subscription),
		owners:  make(map[types.ListenerID]types.TableName),
		logger:  logger,
	}
}

// Subscribe registers listener for table and returns its ID.
func (r *Registry) Subscribe(table types.TableName, listener Listener) types.ListenerID {
	return r.subscribeWith(table, func(types.ListenerID) Listener { return listener })
}

// subscribeWith lets the listener capture its own ID before it can be invoked.
func (r *Registry) subscribeWith(table types.TableName, build func(types.ListenerID) Listener) types.ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.byTable[table] = append(r.byTable[table], subscription{id: id, listener: build(id)})
	r.owners[id] = table
	return id
}

// Unsubscribe removes a listener. Unknown or already removed IDs are ignored.
func (r *Registry) Unsubscribe(id types.ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.owners[id]
	if !ok {
		return
	}
	delete(r.owners, id)

	subs := r.byTable[table]
	for i, sub := range subs {
		if sub.id == id {
			// copy so an in-flight dispatch keeps its own snapshot intact
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			subs = next
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byTable, table)
		return
	}
	r.byTable[table] = subs
}

// Listening reports whether any listener is registered for table.
func (r *Registry) Listening(table types.TableName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTable[table]) > 0
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// Dispatch invokes every listener registered for table in registration
// order. Each listener gets its own copy of changes and deletions. Faults are
// logged and counted; Dispatch returns the number of listeners that
// completed without fault.
func (r *Registry) Dispatch(table types.TableName, changes types.ChangeSet, deletions types.DeletionSet) int {
	subs := r.listenersSnapshot(table)

	ok := 0
	for _, sub := range subs {
		c := cloneChanges(changes)
		d := append(types.DeletionSet{}, deletions...)
		if err := invoke(sub.listener, table, c, d); err != nil {
			listenerFaults.Inc()
			r.logger.Error().
				Err(err).
				Str("table", string(table)).
				Uint64("listener", uint64(sub.id)).
				Interface("changes", changes).
				Interface("deletions", deletions).
				Msg("table listener failed")
			continue
		}
		ok++
	}
	return ok
}

func (r *Registry) listenersSnapshot(table types.TableName) []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTable[table]
}

func invoke(listener Listener, table types.TableName, changes types.ChangeSet, deletions types.DeletionSet) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic: %v", rec)
		}
	}()
	return listener(table, changes, deletions)
}
