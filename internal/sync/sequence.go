package syncstate

import (
	"sync"

	"github.com/example/table-sync/internal/types"
)

// SequenceTracker records the last applied owner sequence number per table.
type SequenceTracker struct {
	mu   sync.RWMutex
	last map[types.TableName]uint64
}

// NewSequenceTracker constructs an empty tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{last: make(map[types.TableName]uint64)}
}

// Last returns the last applied sequence for table and whether the table
// has been seen at all.
func (t *SequenceTracker) Last(table types.TableName) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seq, ok := t.last[table]
	return seq, ok
}

// Reset forces the tracker to seq, as after a full update.
func (t *SequenceTracker) Reset(table types.TableName, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[table] = seq
}

// Advance moves the tracker to seq if it is newer than the current value.
func (t *SequenceTracker) Advance(table types.TableName, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.last[table] {
		t.last[table] = seq
	}
}

// Forget drops all state for table.
func (t *SequenceTracker) Forget(table types.TableName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, table)
}
