package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"
)

// TableName identifies a replicated table.
type TableName string

// ObserverID identifies a connected observer to the owner.
type ObserverID int64

// UnassignedObserver is reported while the observer identity is still being resolved.
const UnassignedObserver ObserverID = -1

// Assigned reports whether the identity has been resolved.
func (id ObserverID) Assigned() bool { return id >= 0 }

func (id ObserverID) String() string { return strconv.FormatInt(int64(id), 10) }

// ListenerID is issued by a subscription registry and never reused.
type ListenerID uint64

// Table is a flat mapping from key to a JSON-model value.
type Table map[string]any

// Clone returns a deep copy of the table.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = CloneValue(v)
	}
	return out
}

// Keys returns the table keys in sorted order.
func (t Table) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChangeSet maps changed or added keys to their new value.
type ChangeSet map[string]any

// DeletionSet lists keys removed from a table. Keys are unique and keep the
// order in which they were first reported.
type DeletionSet []string

// NewDeletionSet builds a DeletionSet from keys, dropping duplicates.
func NewDeletionSet(keys ...string) DeletionSet {
	out := make(DeletionSet, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// DeletionSetFromFlags converts the flag-map form (key -> true) into a
// DeletionSet. Keys mapped to false are skipped.
func DeletionSetFromFlags(flags map[string]bool) DeletionSet {
	keys := make([]string, 0, len(flags))
	for k, set := range flags {
		if set {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return DeletionSet(keys)
}

// Contains reports whether key was deleted.
func (d DeletionSet) Contains(key string) bool {
	return slices.Contains(d, key)
}

// Scope controls which observers receive a table.
type Scope struct {
	Scoped   bool       `json:"scoped"`
	Observer ObserverID `json:"observer"`
}

// Global is the scope of tables shared by every observer.
var Global = Scope{Observer: UnassignedObserver}

// ObserverScope is the scope of a table private to a single observer.
func ObserverScope(id ObserverID) Scope {
	return Scope{Scoped: true, Observer: id}
}

// Visible reports whether an observer receives tables in this scope.
func (s Scope) Visible(id ObserverID) bool {
	return !s.Scoped || s.Observer == id
}

// ScopedName derives the per-observer table name from a base name.
func ScopedName(base TableName, id ObserverID) TableName {
	return TableName(string(base) + id.String())
}

// TableRecord is the durable representation of an authoritative table.
type TableRecord struct {
	Name      TableName `json:"name"`
	Scope     Scope     `json:"scope"`
	Contents  Table     `json:"contents"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalBinary serializes a TableRecord to JSON for byte-oriented stores.
func (r TableRecord) MarshalBinary() ([]byte, error) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	type record TableRecord
	return json.Marshal(record(r))
}

// UnmarshalBinary deserializes a TableRecord from the JSON representation.
func (r *TableRecord) UnmarshalBinary(data []byte) error {
	type record TableRecord
	var payload record
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode table record: %w", err)
	}
	*r = TableRecord(payload)
	return nil
}
