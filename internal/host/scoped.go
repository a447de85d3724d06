package host

import (
	"context"

	"github.com/example/table-sync/internal/types"
)

// CreateObserverTable creates base scoped to a single observer.
func (h *Host) CreateObserverTable(ctx context.Context, base types.TableName, contents map[string]any, id types.ObserverID) error {
	return h.CreateTable(ctx, types.ScopedName(base, id), contents, types.ObserverScope(id))
}

// DeleteObserverTable deletes the observer's copy of base.
func (h *Host) DeleteObserverTable(ctx context.Context, base types.TableName, id types.ObserverID) error {
	return h.DeleteTable(ctx, types.ScopedName(base, id))
}

// ObserverTableExists reports whether the observer's copy of base exists.
func (h *Host) ObserverTableExists(base types.TableName, id types.ObserverID) bool {
	return h.TableExists(types.ScopedName(base, id))
}

// GetObserverValue reads key from the observer's copy of base.
func (h *Host) GetObserverValue(base types.TableName, id types.ObserverID, key string) (any, bool, error) {
	return h.GetValue(types.ScopedName(base, id), key)
}

// GetAllObserverValues returns a copy of the observer's table.
func (h *Host) GetAllObserverValues(base types.TableName, id types.ObserverID) (types.Table, bool) {
	return h.GetAllValues(types.ScopedName(base, id))
}

// SetObserverValue sets a single key in the observer's table.
func (h *Host) SetObserverValue(ctx context.Context, base types.TableName, id types.ObserverID, key string, value any) error {
	return h.SetValue(ctx, types.ScopedName(base, id), key, value)
}

// SetObserverValues merges values into the observer's table.
func (h *Host) SetObserverValues(ctx context.Context, base types.TableName, id types.ObserverID, values map[string]any) error {
	return h.SetValues(ctx, types.ScopedName(base, id), values)
}

// DeleteObserverKey removes a single key from the observer's table.
func (h *Host) DeleteObserverKey(ctx context.Context, base types.TableName, id types.ObserverID, key string) error {
	return h.DeleteKey(ctx, types.ScopedName(base, id), key)
}

// DeleteObserverKeys removes keys from the observer's table in one message.
func (h *Host) DeleteObserverKeys(ctx context.Context, base types.TableName, id types.ObserverID, keys ...string) error {
	return h.DeleteKeys(ctx, types.ScopedName(base, id), keys...)
}
