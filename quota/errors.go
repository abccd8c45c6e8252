/*
errors.go - Error taxonomy for the rollup engine

PURPOSE:
  All error types in one place. Callers classify with errors.Is against the
  sentinels; the structured types carry the context needed to replay a
  failed operation (node, snapshot, operation name).

ERROR CATEGORIES:
  1. Validation  - malformed or negative assignments, bad period labels
  2. Not found   - unknown node or snapshot
  3. Cycle       - hierarchy loop met during propagation, or a
                   supervisor link into another tenant
  4. Conflict    - lost a concurrent merge race (retried before surfacing)
  5. Upstream    - directory or order ledger call failed or timed out

SEE ALSO:
  - propagate.go: wraps every step failure in OpError
  - api/handlers.go: maps categories to HTTP status codes
*/
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	// ErrCycleDetected is a fatal hierarchy configuration error.
	ErrCycleDetected = errors.New("hierarchy cycle detected")

	// ErrTenantMismatch means a supervisor link crosses tenants.
	ErrTenantMismatch = errors.New("supervisor belongs to another tenant")

	// ErrConflict is returned when a compare-and-swap on a snapshot version fails.
	ErrConflict = errors.New("concurrent modification detected")

	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrAlreadyApplied is returned by stores when a (source, ancestor)
	// contribution exists. Propagation treats it as success.
	ErrAlreadyApplied = errors.New("contribution already applied")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Kind string // "node", "snapshot", "target"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// CycleError lists the nodes walked before the repeat, ending with the
// node seen twice.
type CycleError struct {
	Path []NodeID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = string(id)
	}
	return "hierarchy cycle: " + strings.Join(parts, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

type TenantMismatchError struct {
	NodeID NodeID
	Want   TenantID
	Got    TenantID
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("supervisor %s is in tenant %q, not %q", e.NodeID, e.Got, e.Want)
}

func (e *TenantMismatchError) Unwrap() error { return ErrTenantMismatch }

// OpError is what the engine surfaces from propagation and escalation.
type OpError struct {
	Op         string
	NodeID     NodeID
	SnapshotID SnapshotID
	Err        error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s node=%s snapshot=%s: %v", e.Op, e.NodeID, e.SnapshotID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// upstream tags a collaborator failure. Not-found answers and already
// classified errors pass through unchanged.
func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %w", ErrUpstreamUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, op, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUpstreamUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
