package scope

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/structuredgo/exec/pkg/scopeerrors"
	"github.com/structuredgo/exec/pkg/sender"
)

type futureSignal int

const (
	futureValue futureSignal = iota + 1
	futureError
	futureStopped
)

// futureStep mirrors spec.md §4.7's four-state step machine. Go's
// garbage collector makes the Created/Deleted distinction unnecessary
// for memory safety (an un-consumed future simply becomes unreachable),
// but HandedOut/NoFuture are kept as real states: Discard documents
// intent and lets tests assert that spawned work still runs to
// completion exactly once after a caller drops the handle.
type futureStep int

const (
	futureCreated futureStep = iota
	futureHandedOut
	futureNoFuture
)

// futureState is the shared result slot between the spawned operation
// and whoever eventually consumes the future, guarded by its own mutex
// since it outlives any single scope lock acquisition.
type futureState[T any] struct {
	mu     sync.Mutex
	step   futureStep
	done   bool
	signal futureSignal
	val    T
	err    error
	waiter func(sig futureSignal, v T, err error)
	cancel context.CancelFunc
}

func (fs *futureState[T]) complete(sig futureSignal, v T, err error) {
	fs.mu.Lock()
	fs.done = true
	fs.signal, fs.val, fs.err = sig, v, err
	waiter := fs.waiter
	fs.mu.Unlock()
	if waiter != nil {
		waiter(sig, v, err)
	}
}

// Future is the consumer-facing handle returned by SpawnFuture.
type Future[T any] struct {
	fs *futureState[T]
}

// Sender returns a sender that completes with the spawned operation's
// result, waiting for it if necessary.
func (f Future[T]) Sender() sender.Sender[T] {
	return futureSender[T]{fs: f.fs}
}

// Discard marks the future as dropped without consuming its result
// (spec.md §4.7's NoFuture transition). The spawned operation still
// runs under the scope's tracking and still completes exactly once;
// Discard only records that nobody will read the outcome.
func (f Future[T]) Discard() {
	f.fs.mu.Lock()
	if f.fs.step == futureCreated {
		f.fs.step = futureNoFuture
	}
	f.fs.mu.Unlock()
}

type futureSender[T any] struct {
	fs *futureState[T]
}

func (f futureSender[T]) Connect(ctx context.Context, r sender.Receiver[T]) sender.Operation {
	return sender.OperationFunc(func() {
		go func() {
			f.fs.mu.Lock()
			if f.fs.step == futureCreated {
				f.fs.step = futureHandedOut
			}
			if f.fs.done {
				sig, v, err := f.fs.signal, f.fs.val, f.fs.err
				f.fs.mu.Unlock()
				deliverSignal(r, sig, v, err)
				return
			}
			doneCh := make(chan struct{})
			var sig futureSignal
			var v T
			var err error
			f.fs.waiter = func(s futureSignal, vv T, ee error) {
				sig, v, err = s, vv, ee
				close(doneCh)
			}
			f.fs.mu.Unlock()

			stopDone := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					f.fs.cancel()
				case <-stopDone:
				}
			}()

			<-doneCh
			close(stopDone)
			deliverSignal(r, sig, v, err)
		}()
	})
}

func deliverSignal[T any](r sender.Receiver[T], sig futureSignal, v T, err error) {
	switch sig {
	case futureValue:
		r.OnValue(v)
	case futureError:
		r.OnError(err)
	case futureStopped:
		r.OnStopped()
	}
}

// SpawnFuture starts s detached like Spawn, but returns a Future handle
// the caller can later connect to observe its result (spec.md §4.7).
// SpawnFuture carries its own stop source, cancelled either when ctx (the
// scope's own environment) is cancelled or when the eventual consumer's
// environment requests stop — whichever happens first. Like Spawn, the
// Allocator attached to ctx (spec.md §6) allocates the spawned operation
// state and frees it once the operation completes.
func SpawnFuture[T any](ctx context.Context, t Token, s sender.Sender[T]) Future[T] {
	t.scope.mu.Lock()
	runningOK := t.scope.ph == phaseRunning
	t.scope.mu.Unlock()
	if !runningOK {
		onContractViolation(t.scope.log, &scopeerrors.ContractViolation{
			Op:     "Token.SpawnFuture",
			Reason: "spawn_future only permitted while scope is Running",
		})
		return Future[T]{fs: &futureState[T]{cancel: func() {}}}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	fs := &futureState[T]{cancel: cancel}

	id := uuid.NewString()
	alloc := sender.AllocatorFromContext(ctx)
	alloc.Alloc(id)
	t.scope.log.Debugw("spawn_future started", "id", id)

	wrapped := Nest[T](t, s)
	op := wrapped.Connect(innerCtx, futureInnerReceiver[T]{fs: fs, log: t.scope.log, id: id, alloc: alloc})
	op.Start()

	return Future[T]{fs: fs}
}

type futureInnerReceiver[T any] struct {
	fs    *futureState[T]
	log   *zap.SugaredLogger
	id    string
	alloc sender.Allocator
}

func (f futureInnerReceiver[T]) OnValue(v T) {
	f.log.Debugw("spawn_future completed", "id", f.id)
	f.alloc.Free(f.id)
	f.fs.complete(futureValue, v, nil)
}

func (f futureInnerReceiver[T]) OnError(err error) {
	f.log.Debugw("spawn_future failed", "id", f.id)
	f.alloc.Free(f.id)
	f.fs.complete(futureError, *new(T), err)
}

func (f futureInnerReceiver[T]) OnStopped() {
	f.log.Debugw("spawn_future stopped", "id", f.id)
	f.alloc.Free(f.id)
	f.fs.complete(futureStopped, *new(T), nil)
}
