package replica

import "github.com/example/table-sync/internal/types"

// PlayerTable derives the observer-scoped name for base using the local
// identity. Without an identity source the unassigned identity is used.
func (r *Replicator) PlayerTable(base types.TableName) types.TableName {
	id := types.UnassignedObserver
	if r.identity != nil {
		id = r.identity.ObserverID()
	}
	return types.ScopedName(base, id)
}

// GetAllPlayerValues is GetAllTableValues on the observer-scoped table.
func (r *Replicator) GetAllPlayerValues(base types.TableName) (types.Table, bool) {
	return r.GetAllTableValues(r.PlayerTable(base))
}

// GetPlayerValue is GetTableValue on the observer-scoped table.
func (r *Replicator) GetPlayerValue(base types.TableName, key string) (any, bool, error) {
	return r.GetTableValue(r.PlayerTable(base), key)
}

// SubscribePlayer is Subscribe on the observer-scoped table.
func (r *Replicator) SubscribePlayer(base types.TableName, listener Listener) types.ListenerID {
	return r.Subscribe(r.PlayerTable(base), listener)
}

// UnsubscribePlayer is Unsubscribe; listener IDs are not scoped.
func (r *Replicator) UnsubscribePlayer(id types.ListenerID) {
	r.Unsubscribe(id)
}
