package store

import (
	"context"
	"fmt"
	"log/slog"
)

// ChecksumLock implements optimistic locking by row checksum.
//
// On load it installs the row's fingerprint as the entity's baseline. Before
// an update or delete is flushed it compares the client's CheckSum with the
// fingerprint of the row as currently stored; a difference means another
// writer got there first.
type ChecksumLock struct {
	registry *Registry
	mode     LockingMode
	logger   *slog.Logger
}

var _ Lifecycle = (*ChecksumLock)(nil)

// NewChecksumLock creates the lock. mode decides the outcome for updates
// that carry no CheckSum.
func NewChecksumLock(registry *Registry, mode LockingMode, logger *slog.Logger) *ChecksumLock {
	if logger == nil {
		logger = slog.Default()
	}
	if mode != LockingOptional {
		mode = LockingRequired
	}
	return &ChecksumLock{
		registry: registry,
		mode:     mode,
		logger:   logger,
	}
}

// Mode returns the configured locking mode.
func (l *ChecksumLock) Mode() LockingMode { return l.mode }

// OnLoaded installs the baseline checksum on entities embedding Tracked.
// The baseline is the fingerprint of row, the stored item e came from, so
// attributes missing from it stay missing as they will at commit.
func (l *ChecksumLock) OnLoaded(ctx context.Context, e Entity, row Snapshot) error {
	lk, ok := e.(Lockable)
	if !ok {
		return nil
	}
	schema, err := l.registry.Lookup(e)
	if err != nil {
		return err
	}
	if row.Schema() != schema {
		return &ConfigurationError{
			EntityType: e.EntityType(),
			Err:        fmt.Errorf("%w: row captured with another schema", ErrSchemaUnavailable),
		}
	}
	sum := row.Fingerprint()
	lk.tracked().install(sum)
	l.logger.DebugContext(ctx, "checksum installed",
		"entityRef", e.EntityRef(),
		"checksum", sum,
	)
	return nil
}

// OnPreFlush compares the client's CheckSum with the stored row.
func (l *ChecksumLock) OnPreFlush(ctx context.Context, e Entity, prior Snapshot) error {
	var cs CheckSum
	if lk, ok := e.(Lockable); ok {
		cs = lk.tracked().CheckSum
	}

	if cs.IsZero() {
		if l.mode == LockingOptional {
			l.logger.DebugContext(ctx, "no checksum, locking is optional",
				"entityRef", e.EntityRef(),
			)
			return nil
		}
		return &ConfigurationError{EntityType: e.EntityType(), Err: ErrChecksumRequired}
	}
	if cs.IsBypass() {
		l.logger.DebugContext(ctx, "checksum bypassed",
			"entityRef", e.EntityRef(),
		)
		return nil
	}

	asRead, _ := cs.Value()
	current := prior.Fingerprint()
	if asRead != current {
		l.logger.InfoContext(ctx, "optimistic lock failure",
			"entityRef", e.EntityRef(),
			"asRead", asRead,
			"current", current,
		)
		return &ConflictError{
			EntityRef: e.EntityRef(),
			AsRead:    asRead,
			Current:   current,
		}
	}
	return nil
}
