package replica

import (
	"sort"

	"github.com/example/table-sync/internal/types"
)

// ComputeDiff compares a freshly received snapshot with the previous replica
// contents. Keys whose value was added or changed are returned in changes,
// keys present in oldTable but absent from newTable in deletions. With no
// prior replica (oldTable == nil) the whole new table is reported as changed.
//
// Neither input is modified. Values in changes are shared with newTable.
func ComputeDiff(newTable, oldTable types.Table) (types.ChangeSet, types.DeletionSet) {
	if oldTable == nil {
		changes := make(types.ChangeSet, len(newTable))
		for k, v := range newTable {
			changes[k] = v
		}
		return changes, types.DeletionSet{}
	}

	changes := make(types.ChangeSet)
	for k, n := range newTable {
		old, present := oldTable[k]
		if !present || !types.Equal(n, old) {
			changes[k] = n
		}
	}

	var removed []string
	for k := range oldTable {
		if _, present := newTable[k]; !present {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	return changes, types.DeletionSet(removed)
}

func cloneChanges(changes types.ChangeSet) types.ChangeSet {
	out := make(types.ChangeSet, len(changes))
	for k, v := range changes {
		out[k] = types.CloneValue(v)
	}
	return out
}
