// Package store provides a DynamoDB data access layer with checksum-based
// optimistic locking.
//
// Rowlock detects when a row was modified by another writer between the time
// a client read it and the time it writes it back, without holding locks for
// the duration of a user interaction.
//
// # How It Works
//
//   - Every row loaded through [Store.Get] or [Query] gets a checksum: a
//     fingerprint of its scalar attributes in declared order. It is installed
//     on the entity and travels to clients in the CheckSum field.
//   - Clients echo the CheckSum back unchanged with their update.
//   - At [Tx.Commit] the stored row is read again and fingerprinted. A
//     different value means someone else changed the row, and the whole unit
//     of work is rejected with a [*ConflictError].
//   - The write is conditioned on the row still matching what was checked,
//     so the check and the write are atomic in DynamoDB.
//
// # Entity Interfaces
//
// All entities must implement the [Entity] interface:
//
//	type Entity interface {
//	    TableName() string
//	    GetKey() PK
//	    EntityRef() string
//	    EntityType() string
//	}
//
// Entities that take part in locking embed [Tracked] and are used by pointer.
// Relationship fields are excluded from the checksum, either automatically
// (fields holding other entities) or with a `rowlock:"relation"` tag.
//
// # Configuration
//
// Use [DefaultConfig] to reject updates that carry no CheckSum. Switch to
// [LockingOptional] while clients are migrating:
//
//	cfg := store.DefaultConfig()
//	cfg.Locking = store.LockingOptional
//
// Trusted internal code may send [BypassSentinel] (see [Bypass]) to write
// without a prior read.
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrNotFound] - entity doesn't exist or is deleted
//   - [ErrAlreadyExists] - entity with key already exists
//   - [ErrConcurrentModification] - optimistic lock failed (see [ConflictError])
//   - [ErrChecksumRequired] - update without CheckSum (see [ConfigurationError])
//   - [ErrSchemaUnavailable] - entity type was never registered
package store
