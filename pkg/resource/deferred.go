package resource

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/structuredgo/exec/pkg/scopeerrors"
)

// onContractViolation mirrors the same seam in pkg/scope and
// pkg/timescheduler: production code terminates the process via
// scopeerrors.Fatal, so a Deferred contract violation cannot be caught
// and swallowed by an enclosing recover() the way a bare panic could.
// Tests install a capturing stand-in via SetContractViolationHandler.
var onContractViolation = func(log *zap.SugaredLogger, err error) {
	scopeerrors.Fatal(log, err)
}

// SetContractViolationHandler overrides how this package reports contract
// violations; see pkg/scope's identical seam for rationale. It returns a
// function that restores the previous handler.
func SetContractViolationHandler(h func(err error)) func() {
	prev := onContractViolation
	onContractViolation = func(log *zap.SugaredLogger, err error) { h(err) }
	return func() { onContractViolation = prev }
}

// deferred construction states.
const (
	deferredUnconstructed uint32 = iota
	deferredConstructed
)

// Deferred holds the arguments needed to build a resource and constructs
// it, in place, on first use (spec.md §4.2). R is expected to be a
// reference type — a pointer, or an interface wrapping one, such as
// Resource[T] itself — so the value Construct returns keeps a stable
// identity no matter how many times the Deferred value is copied before
// construction. After construction, a second Construct call is a
// contract violation.
type Deferred[R any] struct {
	state uint32
	build func() R
	value R
}

// NewDeferred returns a Deferred that will build its resource by calling
// build exactly once, the first time Construct is called.
func NewDeferred[R any](build func() R) *Deferred[R] {
	return &Deferred[R]{build: build}
}

// Construct builds the resource on first call and returns it. Calling
// Construct more than once is a contract violation: the resource is not
// movable once constructed, so a second construction request can only be
// programmer error.
func (d *Deferred[R]) Construct() R {
	if !atomic.CompareAndSwapUint32(&d.state, deferredUnconstructed, deferredConstructed) {
		onContractViolation(log, &scopeerrors.ContractViolation{
			Op:     "Deferred.Construct",
			Reason: "resource already constructed; deferred slots construct exactly once",
		})
		return d.value
	}
	d.value = d.build()
	return d.value
}

// Value returns the constructed resource. Calling it before Construct is
// a contract violation.
func (d *Deferred[R]) Value() R {
	if atomic.LoadUint32(&d.state) != deferredConstructed {
		onContractViolation(log, &scopeerrors.ContractViolation{
			Op:     "Deferred.Value",
			Reason: "resource accessed before construction",
		})
		return d.value
	}
	return d.value
}

// Constructed reports whether Construct has already been called.
func (d *Deferred[R]) Constructed() bool {
	return atomic.LoadUint32(&d.state) == deferredConstructed
}
