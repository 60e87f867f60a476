// Package scopeerrors implements the error taxonomy of spec.md §7:
// contract violations (fatal, terminate the process), child errors
// (propagated unchanged), spawn failures (fatal misuse), and the
// close-after-body-error combination policy of the use_resources
// orchestrator.
package scopeerrors

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// ContractViolation reports a phase/state-machine precondition failure —
// e.g. starting an open on a Closed scope, double-constructing a Deferred,
// or re-starting a moved token. These are programmer errors; spec.md §7
// says they "terminate the process." Fatal does that; ContractViolation
// itself is an ordinary error so tests can observe it before the process
// would otherwise exit.
type ContractViolation struct {
	Op     string
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Op, e.Reason)
}

// ChildError wraps an error surfaced by a nested or spawned-future child.
// It propagates to the outer receiver unchanged in spirit — Unwrap exposes
// the original cause for errors.Is/As.
type ChildError struct {
	Cause error
}

func (e *ChildError) Error() string { return e.Cause.Error() }
func (e *ChildError) Unwrap() error { return e.Cause }

// SpawnFailure reports that a sender passed to Spawn (fire-and-forget)
// completed with an error, which spawn's contract forbids (spec.md §7).
type SpawnFailure struct {
	Cause error
}

func (e *SpawnFailure) Error() string {
	return fmt.Sprintf("spawn contract violated: sender completed with error: %v", e.Cause)
}
func (e *SpawnFailure) Unwrap() error { return e.Cause }

// CloseAfterBodyError combines two or more close failures observed after a
// use_resources body completed. If the body itself failed, its error wins
// per spec.md §4.3 and the combined close error is only logged, not
// delivered; if only one close fails, its
// error is returned directly instead of being wrapped (see
// NewCloseAfterBodyError).
type CloseAfterBodyError struct {
	Errs []error
}

func (e *CloseAfterBodyError) Error() string {
	return fmt.Sprintf("%d resources failed to close after body completion: %v (+%d more)",
		len(e.Errs), e.Errs[0], len(e.Errs)-1)
}

// Unwrap exposes every close failure for errors.Is/As via Go's multi-error
// unwrapping, rather than backing Error() with a single generic list type
// the way tsne-scope/error.go's errorlist does — CloseAfterBodyError's
// causes are a fixed, typed §7 error, not a reusable list combinator.
func (e *CloseAfterBodyError) Unwrap() []error { return e.Errs }

// NewCloseAfterBodyError returns nil if errs has no non-nil entries, the
// single non-nil error directly if there is exactly one, or a
// *CloseAfterBodyError combining them if there are several.
func NewCloseAfterBodyError(errs []error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &CloseAfterBodyError{Errs: nonNil}
	}
}

// Fatal logs a contract violation via zap and terminates the process,
// matching spec.md §7's "these terminate the process; they are programmer
// errors." log is typically zap.S().Named("<component>").
func Fatal(log *zap.SugaredLogger, err error) {
	log.Errorw("fatal contract violation", "error", err)
	// Flush buffered log lines before the process exits.
	_ = log.Desugar().Sync()
	os.Exit(1)
}
