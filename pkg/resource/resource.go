// Package resource implements the async-resource protocol (spec.md §4.1):
// every resource exposes open/run/close operations as senders, and must
// be stable in memory for the life of the expression using it. Deferred
// (§4.2) gives callers a stable slot to construct such a resource in, and
// UseResource/UseResources2 (§4.3) compose one or more deferred resources
// into a single sender that opens, runs, and closes them around a user
// body.
package resource

import (
	"context"

	"github.com/structuredgo/exec/pkg/sender"
)

// Token is the handle a resource hands back from Open. It is valid until
// the first Close sender derived from it is started.
type Token interface {
	Close() sender.Sender[sender.Void]
}

// Resource is the three-operation contract of spec.md §4.1. T is the
// resource's token type.
type Resource[T Token] interface {
	// Open returns a sender that completes with a token once the
	// resource has reached a state where post-open operations are
	// valid.
	Open() sender.Sender[T]

	// Run returns a sender of void that starts the resource's own
	// asynchronous work. It completes only after a close sender derived
	// from Open's token has started and all shutdown has finished.
	Run() sender.Sender[sender.Void]
}

// Body1 is the user function use_resources calls once all resources have
// opened, given the resulting tokens.
type Body1[T1 Token] func(ctx context.Context, t1 T1) sender.Sender[sender.Void]

// Body2 is the two-resource analog of Body1.
type Body2[T1, T2 Token] func(ctx context.Context, t1 T1, t2 T2) sender.Sender[sender.Void]
