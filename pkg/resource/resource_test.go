package resource_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/structuredgo/exec/pkg/resource"
	"github.com/structuredgo/exec/pkg/scopeerrors"
	"github.com/structuredgo/exec/pkg/sender"
)

func runSync(ctx context.Context, s sender.Sender[sender.Void]) error {
	done := make(chan error, 1)
	op := s.Connect(ctx, sender.FuncReceiver[sender.Void]{
		Value:   func(sender.Void) { done <- nil },
		Err:     func(err error) { done <- err },
		Stopped: func() { done <- nil },
	})
	op.Start()
	return <-done
}

// fakeResource is a minimal resource.Resource[fakeToken]: Open either
// succeeds (handing back a token) or fails (error/stopped), and Run
// blocks until the token is closed — or, if Open itself never succeeded,
// until release() unblocks it on its own, since nothing ever started
// that would need an explicit close (mirroring scope.Scope and
// timescheduler.TimeScheduler, whose Open only ever fails once Run has
// already completed).
type fakeResource struct {
	mu             sync.Mutex
	openKind       string
	openErr        error
	runGate        chan struct{}
	gateOnce       sync.Once
	explicitCloses int
}

func newFakeResource(openKind string, openErr error) *fakeResource {
	return &fakeResource{openKind: openKind, openErr: openErr, runGate: make(chan struct{})}
}

func (r *fakeResource) release() {
	r.gateOnce.Do(func() { close(r.runGate) })
}

func (r *fakeResource) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.explicitCloses
}

func (r *fakeResource) Open() sender.Sender[fakeToken] {
	return sender.Func[fakeToken](func(ctx context.Context, rcv sender.Receiver[fakeToken]) sender.Operation {
		return sender.OperationFunc(func() {
			switch r.openKind {
			case "error":
				r.release()
				rcv.OnError(r.openErr)
			case "stopped":
				r.release()
				rcv.OnStopped()
			default:
				rcv.OnValue(fakeToken{r: r})
			}
		})
	})
}

func (r *fakeResource) Run() sender.Sender[sender.Void] {
	return sender.Func[sender.Void](func(ctx context.Context, rcv sender.Receiver[sender.Void]) sender.Operation {
		return sender.OperationFunc(func() {
			go func() {
				<-r.runGate
				rcv.OnValue(sender.Void{})
			}()
		})
	})
}

type fakeToken struct{ r *fakeResource }

func (t fakeToken) Close() sender.Sender[sender.Void] {
	return sender.Func[sender.Void](func(ctx context.Context, rcv sender.Receiver[sender.Void]) sender.Operation {
		return sender.OperationFunc(func() {
			t.r.mu.Lock()
			t.r.explicitCloses++
			t.r.mu.Unlock()
			t.r.release()
			rcv.OnValue(sender.Void{})
		})
	})
}

var _ resource.Resource[fakeToken] = (*fakeResource)(nil)
var _ resource.Token = fakeToken{}

var _ = Describe("Deferred", func() {
	It("constructs exactly once and returns the same value on Value", func() {
		calls := 0
		d := resource.NewDeferred(func() *int { calls++; v := 42; return &v })
		Expect(d.Constructed()).To(BeFalse())

		v := d.Construct()
		Expect(calls).To(Equal(1))
		Expect(d.Constructed()).To(BeTrue())
		Expect(d.Value()).To(BeIdenticalTo(v))
	})

	It("reports a contract violation on double construction instead of silently rebuilding", func() {
		var captured error
		restore := resource.SetContractViolationHandler(func(err error) { captured = err })
		defer restore()

		d := resource.NewDeferred(func() *int { v := 1; return &v })
		d.Construct()
		d.Construct()

		Expect(captured).To(HaveOccurred())
		var cv *scopeerrors.ContractViolation
		Expect(errors.As(captured, &cv)).To(BeTrue())
		Expect(cv.Op).To(Equal("Deferred.Construct"))
	})

	It("reports a contract violation when read before construction", func() {
		var captured error
		restore := resource.SetContractViolationHandler(func(err error) { captured = err })
		defer restore()

		d := resource.NewDeferred(func() *int { v := 1; return &v })
		_ = d.Value()

		Expect(captured).To(HaveOccurred())
		var cv *scopeerrors.ContractViolation
		Expect(errors.As(captured, &cv)).To(BeTrue())
		Expect(cv.Op).To(Equal("Deferred.Value"))
	})
})

var _ = Describe("UseResource", func() {
	It("opens, invokes the body, and closes the resource", func() {
		res := newFakeResource("value", nil)
		d := resource.NewDeferred(func() resource.Resource[fakeToken] { return res })

		bodyCalled := false
		err := runSync(context.Background(), resource.UseResource(d, func(ctx context.Context, t fakeToken) sender.Sender[sender.Void] {
			bodyCalled = true
			return sender.Just(sender.Void{})
		}))

		Expect(err).NotTo(HaveOccurred())
		Expect(bodyCalled).To(BeTrue())
		Expect(res.closeCount()).To(Equal(1))
	})

	It("propagates an open failure without invoking the body", func() {
		boom := errors.New("open failed")
		res := newFakeResource("error", boom)
		d := resource.NewDeferred(func() resource.Resource[fakeToken] { return res })

		bodyCalled := false
		err := runSync(context.Background(), resource.UseResource(d, func(ctx context.Context, t fakeToken) sender.Sender[sender.Void] {
			bodyCalled = true
			return sender.Just(sender.Void{})
		}))

		Expect(err).To(MatchError(boom))
		Expect(bodyCalled).To(BeFalse())
		Expect(res.closeCount()).To(Equal(0))
	})
})

var _ = Describe("UseResources2", func() {
	It("opens both resources, invokes the body, and closes both", func() {
		res1 := newFakeResource("value", nil)
		res2 := newFakeResource("value", nil)
		d1 := resource.NewDeferred(func() resource.Resource[fakeToken] { return res1 })
		d2 := resource.NewDeferred(func() resource.Resource[fakeToken] { return res2 })

		bodyCalled := false
		err := runSync(context.Background(), resource.UseResources2(d1, d2, func(ctx context.Context, t1, t2 fakeToken) sender.Sender[sender.Void] {
			bodyCalled = true
			return sender.Just(sender.Void{})
		}))

		Expect(err).NotTo(HaveOccurred())
		Expect(bodyCalled).To(BeTrue())
		Expect(res1.closeCount()).To(Equal(1))
		Expect(res2.closeCount()).To(Equal(1))
	})

	// Regression test for a deadlock: when one resource's Open fails while
	// the other's succeeds, the successfully opened resource's token must
	// still be closed, or its Run() sender — already running concurrently —
	// never completes and the whole composite sender hangs forever.
	It("closes the successfully opened resource when the other fails to open", func() {
		res1 := newFakeResource("value", nil)
		boom := errors.New("boom")
		res2 := newFakeResource("error", boom)
		d1 := resource.NewDeferred(func() resource.Resource[fakeToken] { return res1 })
		d2 := resource.NewDeferred(func() resource.Resource[fakeToken] { return res2 })

		bodyCalled := false
		composite := resource.UseResources2(d1, d2, func(ctx context.Context, t1, t2 fakeToken) sender.Sender[sender.Void] {
			bodyCalled = true
			return sender.Just(sender.Void{})
		})

		resultCh := make(chan error, 1)
		go func() { resultCh <- runSync(context.Background(), composite) }()

		select {
		case err := <-resultCh:
			Expect(err).To(MatchError(boom))
		case <-time.After(2 * time.Second):
			Fail("UseResources2 did not complete: the successfully opened resource was never closed")
		}

		Expect(bodyCalled).To(BeFalse())
		Expect(res1.closeCount()).To(Equal(1))
		Expect(res2.closeCount()).To(Equal(0))
	})

	It("closes the successfully opened first resource when the second fails to open", func() {
		boom := errors.New("boom")
		res1 := newFakeResource("error", boom)
		res2 := newFakeResource("value", nil)
		d1 := resource.NewDeferred(func() resource.Resource[fakeToken] { return res1 })
		d2 := resource.NewDeferred(func() resource.Resource[fakeToken] { return res2 })

		composite := resource.UseResources2(d1, d2, func(ctx context.Context, t1, t2 fakeToken) sender.Sender[sender.Void] {
			return sender.Just(sender.Void{})
		})

		resultCh := make(chan error, 1)
		go func() { resultCh <- runSync(context.Background(), composite) }()

		select {
		case err := <-resultCh:
			Expect(err).To(MatchError(boom))
		case <-time.After(2 * time.Second):
			Fail("UseResources2 did not complete: the successfully opened resource was never closed")
		}

		Expect(res1.closeCount()).To(Equal(0))
		Expect(res2.closeCount()).To(Equal(1))
	})

	It("reports no error when the body and both closes succeed", func() {
		res1 := newFakeResource("value", nil)
		res2 := newFakeResource("value", nil)
		d1 := resource.NewDeferred(func() resource.Resource[fakeToken] { return res1 })
		d2 := resource.NewDeferred(func() resource.Resource[fakeToken] { return res2 })

		err := runSync(context.Background(), resource.UseResources2(d1, d2, func(ctx context.Context, t1, t2 fakeToken) sender.Sender[sender.Void] {
			return sender.Just(sender.Void{})
		}))

		Expect(err).NotTo(HaveOccurred())
		Expect(res1.closeCount()).To(Equal(1))
		Expect(res2.closeCount()).To(Equal(1))
	})
})
