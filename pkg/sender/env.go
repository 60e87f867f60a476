package sender

import "context"

// Scheduler is consulted by algorithms that need a default execution
// context (spec.md §6). A Scheduler's Schedule sender completes once the
// caller is running "on" that scheduler.
type Scheduler interface {
	Schedule() Sender[Void]
}

// Allocator is queried when allocating the heap state backing spawn and
// spawn-future operations (spec.md §6). Go's garbage collector makes a
// real custom allocator unnecessary; this interface exists so the
// environment query is honored and pluggable/testable rather than silently
// ignored — tests can install a counting Allocator to assert spawn/future
// allocate and release exactly once.
type Allocator interface {
	Alloc(label string)
	Free(label string)
}

type noopAllocator struct{}

func (noopAllocator) Alloc(string) {}
func (noopAllocator) Free(string)  {}

// DefaultAllocator is used whenever ctx carries no Allocator.
var DefaultAllocator Allocator = noopAllocator{}

type envKey int

const (
	schedulerKey envKey = iota
	allocatorKey
)

// WithScheduler attaches a Scheduler to ctx, answering the "scheduler"
// environment query of spec.md §6.
func WithScheduler(ctx context.Context, s Scheduler) context.Context {
	return context.WithValue(ctx, schedulerKey, s)
}

// SchedulerFromContext returns the Scheduler previously attached with
// WithScheduler, and false if there is no answer.
func SchedulerFromContext(ctx context.Context) (Scheduler, bool) {
	s, ok := ctx.Value(schedulerKey).(Scheduler)
	return s, ok
}

// WithAllocator attaches an Allocator to ctx, answering the "allocator"
// environment query of spec.md §6.
func WithAllocator(ctx context.Context, a Allocator) context.Context {
	return context.WithValue(ctx, allocatorKey, a)
}

// AllocatorFromContext returns the Allocator attached to ctx, or
// DefaultAllocator if none was attached.
func AllocatorFromContext(ctx context.Context) Allocator {
	if a, ok := ctx.Value(allocatorKey).(Allocator); ok {
		return a
	}
	return DefaultAllocator
}
