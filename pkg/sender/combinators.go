package sender

import "context"

// Just returns a sender that completes immediately with v. It never
// suspends and never observes ctx's stop-token.
func Just[T any](v T) Sender[T] {
	return Func[T](func(ctx context.Context, r Receiver[T]) Operation {
		return OperationFunc(func() { r.OnValue(v) })
	})
}

// Error returns a sender that completes immediately with err.
func Error[T any](err error) Sender[T] {
	return Func[T](func(ctx context.Context, r Receiver[T]) Operation {
		return OperationFunc(func() { r.OnError(err) })
	})
}

// Then connects in to a receiver that, on value, applies f and forwards
// the result; errors and stopped signals pass through unchanged.
func Then[T, U any](in Sender[T], f func(T) U) Sender[U] {
	return Func[U](func(ctx context.Context, r Receiver[U]) Operation {
		inner := in.Connect(ctx, thenReceiver[T, U]{f: f, out: r})
		return OperationFunc(inner.Start)
	})
}

type thenReceiver[T, U any] struct {
	f   func(T) U
	out Receiver[U]
}

func (t thenReceiver[T, U]) OnValue(v T)   { t.out.OnValue(t.f(v)) }
func (t thenReceiver[T, U]) OnError(err error) { t.out.OnError(err) }
func (t thenReceiver[T, U]) OnStopped()    { t.out.OnStopped() }

// FuncReceiver adapts three plain functions into a Receiver, useful for
// ad-hoc Connect calls in tests and internal plumbing.
type FuncReceiver[T any] struct {
	Value   func(T)
	Err     func(error)
	Stopped func()
}

func (f FuncReceiver[T]) OnValue(v T) {
	if f.Value != nil {
		f.Value(v)
	}
}

func (f FuncReceiver[T]) OnError(err error) {
	if f.Err != nil {
		f.Err(err)
	}
}

func (f FuncReceiver[T]) OnStopped() {
	if f.Stopped != nil {
		f.Stopped()
	}
}
