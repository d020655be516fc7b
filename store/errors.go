package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity doesn't exist or is deleted (has TTL <= now).
	ErrNotFound = errors.New("rowlock: entity not found")

	// ErrAlreadyExists is returned when attempting to create an entity with an existing key.
	ErrAlreadyExists = errors.New("rowlock: entity already exists")

	// ErrConcurrentModification is returned when optimistic lock fails (checksum mismatch).
	ErrConcurrentModification = errors.New("rowlock: entity was modified concurrently")

	// ErrChecksumRequired is returned when an update carries no CheckSum and locking is required.
	ErrChecksumRequired = errors.New("rowlock: required CheckSum not present")

	// ErrSchemaUnavailable is returned when no schema is registered for an entity type.
	ErrSchemaUnavailable = errors.New("rowlock: entity schema not registered")

	// ErrTxDone is returned when committing a transaction twice.
	ErrTxDone = errors.New("rowlock: transaction already committed")

	// ErrTooManyItems is returned when a transaction exceeds the DynamoDB item limit.
	ErrTooManyItems = errors.New("rowlock: too many items in transaction")
)

// ConflictError reports a row that changed between the client's read and its write.
// It unwraps to ErrConcurrentModification.
type ConflictError struct {
	// EntityRef identifies the conflicting row.
	EntityRef string

	// AsRead is the checksum the client submitted.
	AsRead Fingerprint

	// Current is the checksum of the row as stored. Zero when the row could
	// not be re-read after a conflict detected at flush time.
	Current Fingerprint
}

func (e *ConflictError) Error() string {
	return "rowlock: row altered by another user - please note changes, cancel and retry"
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

// ConfigurationError reports an integration defect, such as a missing schema
// or a missing CheckSum while locking is required. It is not retryable.
type ConfigurationError struct {
	EntityType string
	Err        error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rowlock: optimistic locking misconfigured for %q: %v", e.EntityType, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
