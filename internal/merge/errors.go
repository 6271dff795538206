package merge

import (
	"errors"
	"fmt"
	"strings"

	"snapwh/internal/records"
)

// Precondition codes recorded as run_audit.error_state.
const (
	CodeDateKeyMissing    = "DATE_KEY_MISSING"
	CodeOrphanInteraction = "ORPHAN_INTERACTION"
)

var (
	// ErrEmptySnapshot is wrapped by the EMPTY_<ENTITY>_SNAPSHOT preconditions.
	ErrEmptySnapshot = errors.New("merge: empty staged snapshot")

	// ErrOrphanInteraction is wrapped by ORPHAN_INTERACTION in strict mode.
	ErrOrphanInteraction = errors.New("merge: interaction references an unknown item")
)

// PreconditionError aborts a run before any warehouse mutation.
type PreconditionError struct {
	Code   string
	Entity records.Entity // empty for run-wide preconditions
	Err    error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("merge: precondition %s failed: %v", e.Code, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// ErrorCode is read by storage.ErrorState.
func (e *PreconditionError) ErrorCode() string { return e.Code }

// EmptySnapshotCode returns the precondition code of an empty entity snapshot,
// e.g. EMPTY_ACTOR_SNAPSHOT.
func EmptySnapshotCode(e records.Entity) string {
	return "EMPTY_" + strings.ToUpper(string(e)) + "_SNAPSHOT"
}
