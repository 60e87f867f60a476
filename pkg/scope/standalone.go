package scope

// NewStandalone builds a scope that starts directly in the Running phase,
// skipping the open/run handshake entirely. This is a supplemented
// feature beyond the resource protocol: callers that don't need a scope
// wired through resource.UseResource (e.g. a top-level program that wants
// structured concurrency without an enclosing resource expression) get a
// Token immediately and drive shutdown with Token.CloseAndWait.
func NewStandalone(opts ...Option) Token {
	s := New(opts...)
	s.ph = phaseRunning
	s.run = &runState{enteredRunning: make(chan struct{}), done: make(chan error, 1)}
	close(s.run.enteredRunning)
	s.run.entered = true
	return Token{scope: s}
}
