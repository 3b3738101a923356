package backlog

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers retry only ErrBusy; constraint errors are final for
// the offending call and never affect other operations.
var (
	// ErrNotFound means the referenced feature (or row) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyPassing rejects transitions on a feature that already passes.
	ErrAlreadyPassing = errors.New("feature already passing")

	// ErrBlocked rejects claiming a feature with unmet dependencies.
	ErrBlocked = errors.New("feature is blocked by unmet dependencies")

	// ErrSelfDependency rejects a feature depending on itself.
	ErrSelfDependency = errors.New("feature cannot depend on itself")

	// ErrCycle rejects a dependency edge that would close a cycle.
	ErrCycle = errors.New("dependency would create a cycle")

	// ErrTooManyDependencies rejects edge sets over the configured limit.
	ErrTooManyDependencies = errors.New("dependency limit exceeded")

	// ErrForwardReference rejects bulk entries referencing later entries.
	ErrForwardReference = errors.New("bulk dependency may only reference earlier entries")

	// ErrDuplicateDependency rejects repeated edges within one bulk entry.
	ErrDuplicateDependency = errors.New("duplicate dependency in entry")

	// ErrBusy is the transient lock-timeout error; the snapshot was never
	// written and the caller may retry.
	ErrBusy = errors.New("store is busy")
)

// IsConstraint reports whether err is a constraint violation: the request
// itself was invalid against current state, retrying is pointless.
func IsConstraint(err error) bool {
	return errors.Is(err, ErrAlreadyPassing) ||
		errors.Is(err, ErrBlocked) ||
		errors.Is(err, ErrSelfDependency) ||
		errors.Is(err, ErrCycle) ||
		errors.Is(err, ErrTooManyDependencies) ||
		errors.Is(err, ErrForwardReference) ||
		errors.Is(err, ErrDuplicateDependency)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBusy)
}

// classify maps driver-level errors onto the store's error kinds, leaving
// already-classified errors untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBusy) || IsConstraint(err) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked") {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}
