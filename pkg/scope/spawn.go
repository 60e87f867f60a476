package scope

import (
	"context"

	"github.com/google/uuid"

	"github.com/structuredgo/exec/pkg/scopeerrors"
	"github.com/structuredgo/exec/pkg/sender"
)

// Spawn starts s detached: the scope tracks it as an active child via
// Nest, but the caller gets no handle back (spec.md §4.6). Spawn is only
// permitted while the scope is Running — unlike the raw Nest primitive,
// which also allows Closing, spawning brand-new detached work once a
// close has started is rejected so a draining scope can never grow its
// own child count back up. The Allocator attached to ctx (spec.md §6) is
// asked to allocate the spawned operation state and to free it once the
// operation completes.
func (t Token) Spawn(ctx context.Context, s sender.Sender[sender.Void]) {
	t.scope.mu.Lock()
	runningOK := t.scope.ph == phaseRunning
	t.scope.mu.Unlock()
	if !runningOK {
		onContractViolation(t.scope.log, &scopeerrors.ContractViolation{
			Op:     "Token.Spawn",
			Reason: "spawn only permitted while scope is Running",
		})
		return
	}

	id := uuid.NewString()
	alloc := sender.AllocatorFromContext(ctx)
	alloc.Alloc(id)
	t.scope.log.Debugw("spawn started", "id", id)

	wrapped := Nest[sender.Void](t, s)
	op := wrapped.Connect(ctx, spawnReceiver{scope: t.scope, id: id, alloc: alloc})
	op.Start()
}

type spawnReceiver struct {
	scope *Scope
	id    string
	alloc sender.Allocator
}

func (s spawnReceiver) OnValue(sender.Void) {
	s.scope.log.Debugw("spawn completed", "id", s.id)
	s.alloc.Free(s.id)
}

func (s spawnReceiver) OnError(err error) {
	s.alloc.Free(s.id)
	onContractViolation(s.scope.log, &scopeerrors.SpawnFailure{Cause: err})
}

func (s spawnReceiver) OnStopped() {
	s.scope.log.Debugw("spawn stopped", "id", s.id)
	s.alloc.Free(s.id)
}
