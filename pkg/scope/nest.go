package scope

import (
	"context"

	"github.com/structuredgo/exec/pkg/scopeerrors"
	"github.com/structuredgo/exec/pkg/sender"
)

// Nest wraps inner so the scope tracks it as an active child (spec.md
// §4.5): starting it requires the scope to be Running or Closing and
// increments the active count; its completion is delivered to the
// caller's receiver before the count is decremented, so a concurrent
// close observing active==0 never races a child's own completion
// handling.
//
// Nest is a free function, not a Token method, because Go methods
// cannot introduce a type parameter beyond their receiver's.
func Nest[T any](t Token, inner sender.Sender[T]) sender.Sender[T] {
	return sender.Func[T](func(ctx context.Context, r sender.Receiver[T]) sender.Operation {
		return sender.OperationFunc(func() {
			if !t.scope.nestStart() {
				onContractViolation(t.scope.log, &scopeerrors.ContractViolation{
					Op:     "Nest.Start",
					Reason: "scope not in Running or Closing phase",
				})
				return
			}
			op := inner.Connect(ctx, nestReceiver[T]{scope: t.scope, out: r})
			op.Start()
		})
	})
}

type nestReceiver[T any] struct {
	scope *Scope
	out   sender.Receiver[T]
}

func (n nestReceiver[T]) OnValue(v T) {
	n.out.OnValue(v)
	n.scope.childComplete()
}

func (n nestReceiver[T]) OnError(err error) {
	n.out.OnError(err)
	n.scope.childComplete()
}

func (n nestReceiver[T]) OnStopped() {
	n.out.OnStopped()
	n.scope.childComplete()
}
