package resource

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/structuredgo/exec/pkg/scopeerrors"
	"github.com/structuredgo/exec/pkg/sender"
)

var log = zap.S().Named("use_resources")

// connectSync connects s and blocks (on the calling goroutine only — the
// caller is expected to already be running on its own goroutine) until it
// delivers its terminal signal, returning the value (zero if not a value
// completion) and the completion that was observed.
func connectSync[T any](ctx context.Context, s sender.Sender[T]) (T, completion) {
	var (
		zero T
		out  completion
		val  T
	)
	done := make(chan struct{})
	op := s.Connect(ctx, sender.FuncReceiver[T]{
		Value: func(v T) {
			val = v
			out = valueSignal()
			close(done)
		},
		Err: func(err error) {
			out = errorSignal(err)
			close(done)
		},
		Stopped: func() {
			out = stoppedSignal()
			close(done)
		},
	})
	op.Start()
	<-done
	if out.kind != signalValue {
		return zero, out
	}
	return val, out
}

func connectVoidSync(ctx context.Context, s sender.Sender[sender.Void]) completion {
	_, c := connectSync(ctx, s)
	return c
}

// deliver translates a completion into the matching Receiver call.
func deliver[T any](r sender.Receiver[T], c completion) {
	switch c.kind {
	case signalError:
		r.OnError(c.err)
	case signalStopped:
		r.OnStopped()
	default:
		r.OnValue(*new(T))
	}
}

// UseResource implements spec.md §4.3's use_resources orchestrator for a
// single deferred resource: construct it, open it, call body with its
// token, close it, and propagate body's terminal signal — while running
// the resource's own Run() sender for the whole duration. The composite
// sender completes only once Run() has also completed. opts attaches the
// allocator/scheduler environment defaults of §6 (resource.Options) to
// the context seen by Open, Run, body, and Close.
func UseResource[T1 Token](d1 *Deferred[Resource[T1]], body Body1[T1], opts ...Option) sender.Sender[sender.Void] {
	return sender.Func[sender.Void](func(ctx context.Context, r sender.Receiver[sender.Void]) sender.Operation {
		return sender.OperationFunc(func() {
			go func() {
				ctx = buildOptions(opts...).applyEnv(ctx)
				res1 := d1.Construct()

				runDone := make(chan completion, 1)
				go func() { runDone <- connectVoidSync(ctx, res1.Run()) }()

				tok1, openSig := connectSync(ctx, res1.Open())

				var sig completion
				switch openSig.kind {
				case signalError:
					log.Errorw("resource open failed", "error", openSig.err)
					sig = openSig
				case signalStopped:
					sig = openSig
				default:
					sig = connectVoidSync(ctx, body(ctx, tok1))
					closeSig := connectVoidSync(ctx, tok1.Close())
					if closeSig.kind == signalError {
						log.Errorw("resource close failed", "error", closeSig.err)
					}
					sig = sig.withCloseError(closeSig.err)
				}

				runSig := <-runDone
				sig = sig.withRunError(runSig.err)
				deliver(r, sig)
			}()
		})
	})
}

// UseResources2 is the two-resource generalization of UseResource: both
// resources are opened concurrently (via errgroup.Group, promoting the
// teacher's indirect golang.org/x/sync dependency to a direct one), body
// is called once both tokens are available, both tokens are closed, and
// both Run() senders are awaited before the composite completes. If one
// resource's open fails or stops while the other's succeeds, the
// successfully opened token is still closed before the failure is
// reported — otherwise that resource's Run() sender, already started
// below, would never observe a close and runGroup.Wait would block
// forever. opts attaches the allocator/scheduler environment defaults of
// §6 (resource.Options) to the context seen by every step.
func UseResources2[T1, T2 Token](
	d1 *Deferred[Resource[T1]],
	d2 *Deferred[Resource[T2]],
	body Body2[T1, T2],
	opts ...Option,
) sender.Sender[sender.Void] {
	return sender.Func[sender.Void](func(ctx context.Context, r sender.Receiver[sender.Void]) sender.Operation {
		return sender.OperationFunc(func() {
			go func() {
				ctx = buildOptions(opts...).applyEnv(ctx)
				res1 := d1.Construct()
				res2 := d2.Construct()

				runGroup, runCtx := errgroup.WithContext(ctx)
				runGroup.Go(func() error { return asError(connectVoidSync(runCtx, res1.Run())) })
				runGroup.Go(func() error { return asError(connectVoidSync(runCtx, res2.Run())) })

				var tok1 T1
				var tok2 T2
				var openSig1, openSig2 completion
				openGroup, openCtx := errgroup.WithContext(ctx)
				openGroup.Go(func() error {
					tok1, openSig1 = connectSync(openCtx, res1.Open())
					return asError(openSig1)
				})
				openGroup.Go(func() error {
					tok2, openSig2 = connectSync(openCtx, res2.Open())
					return asError(openSig2)
				})
				_ = openGroup.Wait()

				var openSig completion
				foldOpenSignal(&openSig, openSig1)
				foldOpenSignal(&openSig, openSig2)

				var sig completion
				switch openSig.kind {
				case signalError, signalStopped:
					if openSig.kind == signalError {
						log.Errorw("resource open failed", "error", openSig.err)
					}
					sig = openSig

					// Close whichever token actually opened: its Run()
					// sender is already running in runGroup and will
					// otherwise never complete.
					if openSig1.kind == signalValue {
						if closeSig := connectVoidSync(ctx, tok1.Close()); closeSig.kind == signalError {
							log.Errorw("resource close failed after partial open failure", "error", closeSig.err)
						}
					}
					if openSig2.kind == signalValue {
						if closeSig := connectVoidSync(ctx, tok2.Close()); closeSig.kind == signalError {
							log.Errorw("resource close failed after partial open failure", "error", closeSig.err)
						}
					}
				default:
					sig = connectVoidSync(ctx, body(ctx, tok1, tok2))

					var closeErrs []error
					if closeSig := connectVoidSync(ctx, tok1.Close()); closeSig.kind == signalError {
						closeErrs = append(closeErrs, closeSig.err)
					}
					if closeSig := connectVoidSync(ctx, tok2.Close()); closeSig.kind == signalError {
						closeErrs = append(closeErrs, closeSig.err)
					}
					if combined := scopeerrors.NewCloseAfterBodyError(closeErrs); combined != nil {
						log.Errorw("resource close failed", "error", combined)
						sig = sig.withCloseError(combined)
					}
				}

				runErr := runGroup.Wait()
				sig = sig.withRunError(runErr)
				deliver(r, sig)
			}()
		})
	})
}

// foldOpenSignal folds sig into dst, keeping the first non-value signal
// observed across the two resources' open attempts. Called sequentially
// once both opens have finished, so it needs no locking of its own.
func foldOpenSignal(dst *completion, sig completion) error {
	if sig.kind == signalValue {
		return nil
	}
	if dst.kind == signalValue {
		*dst = sig
	}
	if sig.kind == signalError {
		return sig.err
	}
	return nil
}

func asError(c completion) error {
	if c.kind == signalError {
		return c.err
	}
	return nil
}
