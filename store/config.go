package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// LockingMode controls updates that arrive without a CheckSum.
type LockingMode string

const (
	// LockingRequired rejects updates without a CheckSum.
	LockingRequired LockingMode = "REQUIRED"

	// LockingOptional lets updates without a CheckSum through unchecked.
	LockingOptional LockingMode = "OPTIONAL"
)

// ParseLockingMode parses a locking mode name, case-insensitively.
// An empty string yields LockingRequired.
func ParseLockingMode(s string) (LockingMode, error) {
	switch LockingMode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", LockingRequired:
		return LockingRequired, nil
	case LockingOptional:
		return LockingOptional, nil
	}
	return "", fmt.Errorf("rowlock: unknown locking mode %q", s)
}

// Config holds configuration for the Store.
type Config struct {
	// Locking decides what happens when an update carries no CheckSum.
	// Default: LockingRequired
	Locking LockingMode

	// Logger receives lock diagnostics. Conflicts are logged at info level.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns the strict configuration.
func DefaultConfig() Config {
	return Config{
		Locking: LockingRequired,
		Logger:  slog.Default(),
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Locking != LockingOptional {
		c.Locking = LockingRequired
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
