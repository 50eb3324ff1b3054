package txstore

import (
	"errors"
	"fmt"

	"github.com/mossglen/hearth/internal/keymutex"
)

// ConfigError reports an invalid store configuration. Fatal at
// construction time: Open refuses to return a store, so no per-call
// checking is needed.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("store config: %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err is a configuration error.
// Uses errors.As to handle wrapped errors.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// LockTimeoutError is the error returned when a transaction's locks cannot
// be acquired within budget. The store counts it and abandons the request;
// retry policy belongs to the caller.
type LockTimeoutError = keymutex.LockTimeoutError

// IsLockTimeout reports whether err is a lock timeout.
func IsLockTimeout(err error) bool {
	return keymutex.IsLockTimeout(err)
}

// ErrNotLoaded is returned by operations invoked before Load. The
// lifecycle is construct, Load, many Transact/Snapshot, Save, Close.
var ErrNotLoaded = errors.New("store: memory not loaded; call Load first")

// ErrEventIDRequired is returned when a transaction carries a zero event
// id. Every transaction must be identifiable for duplicate suppression.
var ErrEventIDRequired = errors.New("store: event id is required")

// ErrNilMutator is returned when Transact is called without a mutator.
var ErrNilMutator = errors.New("store: mutator is nil")
