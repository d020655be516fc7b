package store

import "context"

// Lifecycle receives persistence events. Register implementations with
// Store.Use at startup; they are invoked in registration order.
type Lifecycle interface {
	// OnLoaded runs once per row materialized from storage, before the
	// entity is returned to the caller. row is the stored item e was
	// unmarshalled from; it is zero when e's type has no schema.
	OnLoaded(ctx context.Context, e Entity, row Snapshot) error

	// OnPreFlush runs once per updated or deleted entity during Commit,
	// after in-memory changes are staged and before anything is written.
	// prior is the stored row as captured at the start of the commit.
	// Returning an error aborts the whole transaction.
	OnPreFlush(ctx context.Context, e Entity, prior Snapshot) error
}
