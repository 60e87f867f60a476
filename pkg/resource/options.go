package resource

import (
	"context"

	"github.com/creasty/defaults"

	"github.com/structuredgo/exec/pkg/sender"
)

// Options carries the environment defaults use_resources attaches to ctx
// before opening/running/closing a resource and invoking the body: the
// allocator and scheduler queries of spec.md §6. Unset fields leave the
// corresponding query unanswered for anything further up the context
// chain to supply.
type Options struct {
	Allocator sender.Allocator
	Scheduler sender.Scheduler
}

// Option mutates Options; functional-options, matching this module's
// other constructors.
type Option func(*Options)

// WithAllocator attaches a default Allocator for use_resources to answer
// spec.md §6's allocator query with, for every operation state it
// constructs (including scope.Spawn/SpawnFuture's).
func WithAllocator(a sender.Allocator) Option {
	return func(o *Options) { o.Allocator = a }
}

// WithScheduler attaches a default Scheduler, answering spec.md §6's
// scheduler query for the whole use_resources expression.
func WithScheduler(s sender.Scheduler) Option {
	return func(o *Options) { o.Scheduler = s }
}

func buildOptions(opts ...Option) Options {
	o := Options{}
	_ = defaults.Set(&o)
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// applyEnv attaches the configured allocator/scheduler onto ctx via
// sender.WithAllocator/WithScheduler, leaving ctx unchanged for any query
// with no configured default.
func (o Options) applyEnv(ctx context.Context) context.Context {
	if o.Allocator != nil {
		ctx = sender.WithAllocator(ctx, o.Allocator)
	}
	if o.Scheduler != nil {
		ctx = sender.WithScheduler(ctx, o.Scheduler)
	}
	return ctx
}
