package replica

import (
	"errors"
	"sort"
	"sync"

	"github.com/example/table-sync/internal/types"
)

// ErrNoReplica is returned when an operation targets a table that has no
// local replica.
var ErrNoReplica = errors.New("no replica for table")

// Store is the observer-local set of replicated tables. Apply methods are
// expected to be serialized by the caller; reads may happen concurrently.
type Store struct {
	mu     sync.RWMutex
	tables map[types.TableName]types.Table
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{tables: make(map[types.TableName]types.Table)}
}

// ApplyFull replaces the named replica with table and returns the resulting
// change and deletion sets. A nil or empty table drops the replica; the keys
// it held are reported as deletions and removed is true. The store takes
// ownership of table.
func (s *Store) ApplyFull(name types.TableName, table types.Table) (changes types.ChangeSet, deletions types.DeletionSet, removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, existed := s.tables[name]
	if len(table) == 0 {
		if !existed {
			return types.ChangeSet{}, types.DeletionSet{}, false
		}
		delete(s.tables, name)
		replicaCount.Dec()
		return types.ChangeSet{}, types.DeletionSet(old.Keys()), true
	}

	if !existed {
		old = nil
		replicaCount.Inc()
	}
	changes, deletions = ComputeDiff(table, old)
	s.tables[name] = table
	return cloneChanges(changes), deletions, false
}

// ApplyIncremental merges changes into an existing replica. The returned
// report holds deep copies of structured values.
func (s *Store) ApplyIncremental(name types.TableName, changes types.ChangeSet) (types.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.tables[name]
	if !ok {
		return nil, ErrNoReplica
	}

	report := make(types.ChangeSet, len(changes))
	for k, v := range changes {
		table[k] = v
		report[k] = types.CloneValue(v)
	}
	return report, nil
}

// ApplyDeletion removes keys from an existing replica.
func (s *Store) ApplyDeletion(name types.TableName, keys types.DeletionSet) (types.DeletionSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.tables[name]
	if !ok {
		return nil, ErrNoReplica
	}
	for _, k := range keys {
		delete(table, k)
	}
	return append(types.DeletionSet(nil), keys...), nil
}

// All returns a deep copy of the replica, or false if it does not exist.
func (s *Store) All(name types.TableName) (types.Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.tables[name]
	if !ok {
		return nil, false
	}
	return table.Clone(), true
}

// Value returns a single entry. Structured values are deep copied. found is
// false when the key is absent; ErrNoReplica is returned when the table is.
func (s *Store) Value(name types.TableName, key string) (value any, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.tables[name]
	if !ok {
		return nil, false, ErrNoReplica
	}
	v, found := table[key]
	if !found {
		return nil, false, nil
	}
	return types.CloneValue(v), true, nil
}

// Exists reports whether a replica is held for name.
func (s *Store) Exists(name types.TableName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[name]
	return ok
}

// Tables lists the names of all held replicas in sorted order.
func (s *Store) Tables() []types.TableName {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]types.TableName, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
