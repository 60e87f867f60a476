// Package scope implements the structured-concurrency scope (spec.md §3-§4):
// a phase machine tracking nested and spawned child work, wired as an
// async resource (open/run/close) so it composes with
// github.com/structuredgo/exec/pkg/resource's use_resources orchestrator.
//
// Concurrency invariant: every phase/list field lives behind a single
// mutex per scope. The lock is released before any completion that
// crosses into user or foreign code (delivering a value to a receiver,
// resolving a parked waiter) — only bookkeeping happens while held.
package scope

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/structuredgo/exec/pkg/scopeerrors"
	"github.com/structuredgo/exec/pkg/sender"
)

// onContractViolation is a seam: production code terminates the process,
// tests install a capturing stand-in so the phase machine's failure
// paths can be asserted without exiting the test binary.
var onContractViolation = func(log *zap.SugaredLogger, err error) {
	scopeerrors.Fatal(log, err)
}

// SetContractViolationHandler overrides how contract violations are
// reported. Production code never needs to call this; tests use it to
// assert that a phase-machine misuse was detected, without exiting the
// test binary the way the default handler does. It returns a function
// that restores the previous handler.
func SetContractViolationHandler(h func(err error)) func() {
	prev := onContractViolation
	onContractViolation = func(log *zap.SugaredLogger, err error) { h(err) }
	return func() { onContractViolation = prev }
}

// openWaiter is parked by Open when it arrives before Run, woken either
// with a token (Run arrived, phase reached Running) or with stopped=true
// (Close arrived first).
type openWaiter struct {
	resolve func(tok Token, stopped bool)
}

// closeWaiter is parked by Close until shutdown actually happens (active
// reaches zero while Closing).
type closeWaiter struct {
	resolve func()
}

// runState is owned by the Run operation once it has started; the Scope
// holds only a non-owning pointer, cleared at shutdown. active counts
// outstanding nested/spawned children.
type runState struct {
	active         int
	entered        bool
	enteredRunning chan struct{}
	done           chan error
	closeWaiter    *closeWaiter
}

// Scope is the scope context (spec.md's C4): the phase machine and the
// lock guarding it. Use New to construct one wired as a resource.Resource,
// or NewStandalone to skip the open/run handshake entirely.
type Scope struct {
	mu   sync.Mutex
	ph   phase
	open *openWaiter
	run  *runState
	log  *zap.SugaredLogger
}

// New constructs a scope in the Constructed phase, ready to be driven
// through resource.UseResource/UseResources2.
func New(opts ...Option) *Scope {
	o := buildOptions(opts...)
	return &Scope{ph: phaseConstructed, log: o.Logger}
}

// Token is the handle handed to a scope's body once it has opened. It
// carries the post-open operations: Nest, Spawn, SpawnFuture and Close.
type Token struct {
	scope *Scope
}

// Open implements resource.Resource[Token].
func (s *Scope) Open() sender.Sender[Token] {
	return sender.Func[Token](func(ctx context.Context, r sender.Receiver[Token]) sender.Operation {
		return sender.OperationFunc(func() { go s.startOpen(r) })
	})
}

func (s *Scope) startOpen(r sender.Receiver[Token]) {
	s.mu.Lock()
	switch s.ph {
	case phaseConstructed:
		s.ph = phaseOpening
		done := make(chan struct{})
		var tok Token
		var stopped bool
		s.open = &openWaiter{resolve: func(t Token, st bool) {
			tok, stopped = t, st
			close(done)
		}}
		s.mu.Unlock()
		<-done
		if stopped {
			r.OnStopped()
		} else {
			r.OnValue(tok)
		}
		return

	case phasePending:
		s.ph = phaseRunning
		s.signalEnteredRunningLocked()
		s.mu.Unlock()
		r.OnValue(Token{scope: s})
		return

	case phaseRunning, phaseClosing:
		s.mu.Unlock()
		r.OnValue(Token{scope: s})
		return

	case phaseClosed:
		s.mu.Unlock()
		onContractViolation(s.log, &scopeerrors.ContractViolation{Op: "Scope.Open", Reason: "scope already closed"})
		return

	default: // phaseOpening: a second open arrived while one is parked.
		s.mu.Unlock()
		onContractViolation(s.log, &scopeerrors.ContractViolation{Op: "Scope.Open", Reason: "open already in progress"})
		return
	}
}

// Run implements resource.Resource[Token]. The returned sender completes
// only once close has started and shutdown has finished.
func (s *Scope) Run() sender.Sender[sender.Void] {
	return sender.Func[sender.Void](func(ctx context.Context, r sender.Receiver[sender.Void]) sender.Operation {
		return sender.OperationFunc(func() { go s.startRun(r) })
	})
}

func (s *Scope) startRun(r sender.Receiver[sender.Void]) {
	s.mu.Lock()
	switch s.ph {
	case phaseConstructed:
		rs := &runState{enteredRunning: make(chan struct{}), done: make(chan error, 1)}
		s.run = rs
		s.ph = phasePending
		s.mu.Unlock()
		s.waitRun(rs, r)
		return

	case phaseOpening:
		rs := &runState{enteredRunning: make(chan struct{}), done: make(chan error, 1)}
		s.run = rs
		s.ph = phaseRunning
		ow := s.open
		s.open = nil
		rs.entered = true
		close(rs.enteredRunning)
		s.mu.Unlock()
		if ow != nil {
			ow.resolve(Token{scope: s}, false)
		}
		s.waitRun(rs, r)
		return

	default:
		s.mu.Unlock()
		onContractViolation(s.log, &scopeerrors.ContractViolation{Op: "Scope.Run", Reason: "run already started or scope already closed"})
		return
	}
}

func (s *Scope) waitRun(rs *runState, r sender.Receiver[sender.Void]) {
	select {
	case <-rs.enteredRunning:
	case err := <-rs.done:
		deliverVoid(r, err)
		return
	}
	err := <-rs.done
	deliverVoid(r, err)
}

func deliverVoid(r sender.Receiver[sender.Void], err error) {
	if err != nil {
		r.OnError(err)
		return
	}
	r.OnValue(sender.Void{})
}

// signalEnteredRunningLocked must be called while s.mu is held, after s.ph
// has just become phaseRunning; it wakes a run operation that parked
// waiting to observe the phase reach Running.
func (s *Scope) signalEnteredRunningLocked() {
	if s.run != nil && !s.run.entered {
		s.run.entered = true
		close(s.run.enteredRunning)
	}
}

// closeSender builds the Close operation. Exposed to callers via
// Token.Close so a token always holds the scope it can close.
func (s *Scope) closeSender() sender.Sender[sender.Void] {
	return sender.Func[sender.Void](func(ctx context.Context, r sender.Receiver[sender.Void]) sender.Operation {
		return sender.OperationFunc(func() { go s.startClose(r) })
	})
}

func (s *Scope) startClose(r sender.Receiver[sender.Void]) {
	doneCh := make(chan struct{})

	s.mu.Lock()
	switch s.ph {
	case phaseClosing, phaseClosed:
		s.mu.Unlock()
		onContractViolation(s.log, &scopeerrors.ContractViolation{Op: "Scope.Close", Reason: "close already started"})
		return
	}

	var wakeOpen *openWaiter
	if s.ph == phaseOpening {
		wakeOpen = s.open
		s.open = nil
	}
	s.ph = phaseClosing

	if s.run == nil {
		s.run = &runState{enteredRunning: make(chan struct{}), done: make(chan error, 1)}
	}
	s.run.closeWaiter = &closeWaiter{resolve: func() { close(doneCh) }}
	shouldShutdown := s.run.active == 0
	s.mu.Unlock()

	if wakeOpen != nil {
		wakeOpen.resolve(Token{}, true)
	}
	if shouldShutdown {
		s.shutdown()
	}

	<-doneCh
	r.OnValue(sender.Void{})
}

// shutdown runs under no lock held on entry; it acquires the lock only
// to flip the phase and detach the run-state, then delivers completions
// outside the lock, close-waiter before run-waiter (spec.md §4.4 step
// 6-7 ordering).
func (s *Scope) shutdown() {
	s.mu.Lock()
	s.ph = phaseClosed
	rs := s.run
	s.run = nil
	s.mu.Unlock()

	if rs == nil {
		return
	}
	if rs.closeWaiter != nil {
		rs.closeWaiter.resolve()
	}
	select {
	case rs.done <- nil:
	default:
	}
}

// nestStart enforces spec.md §4.5's Nest permission (Running or Closing)
// and increments the active count under the lock. It allocates a
// run-state if none exists; startRun, startClose and NewStandalone each
// allocate one before the phase can reach Running or Closing, so this is
// a defensive fallback.
func (s *Scope) nestStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ph != phaseRunning && s.ph != phaseClosing {
		return false
	}
	if s.run == nil {
		s.run = &runState{enteredRunning: make(chan struct{}), done: make(chan error, 1)}
		close(s.run.enteredRunning)
	}
	s.run.active++
	return true
}

// childComplete decrements the active count and triggers shutdown if the
// scope is draining and this was the last child.
func (s *Scope) childComplete() {
	s.mu.Lock()
	s.run.active--
	shouldShutdown := s.ph == phaseClosing && s.run.active == 0
	s.mu.Unlock()
	if shouldShutdown {
		s.shutdown()
	}
}

// Close returns a sender that starts the scope's shutdown sequence.
func (t Token) Close() sender.Sender[sender.Void] {
	return t.scope.closeSender()
}

// CloseAndWait is a blocking convenience for scopes created with
// NewStandalone, which have no enclosing use_resources orchestration to
// drive their Close sender.
func (t Token) CloseAndWait(ctx context.Context) error {
	sig := make(chan error, 1)
	op := t.Close().Connect(ctx, sender.FuncReceiver[sender.Void]{
		Value:   func(sender.Void) { sig <- nil },
		Err:     func(err error) { sig <- err },
		Stopped: func() { sig <- nil },
	})
	op.Start()
	return <-sig
}
