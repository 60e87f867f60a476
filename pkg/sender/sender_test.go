package sender_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/structuredgo/exec/pkg/sender"
)

func connect[T any](s sender.Sender[T]) (val T, err error, stopped bool) {
	op := s.Connect(context.Background(), sender.FuncReceiver[T]{
		Value:   func(v T) { val = v },
		Err:     func(e error) { err = e },
		Stopped: func() { stopped = true },
	})
	op.Start()
	return
}

var _ = Describe("Just", func() {
	It("completes with the given value", func() {
		val, err, stopped := connect(sender.Just(42))
		Expect(val).To(Equal(42))
		Expect(err).NotTo(HaveOccurred())
		Expect(stopped).To(BeFalse())
	})
})

var _ = Describe("Error", func() {
	It("completes with the given error", func() {
		boom := errors.New("boom")
		_, err, stopped := connect(sender.Error[int](boom))
		Expect(err).To(MatchError(boom))
		Expect(stopped).To(BeFalse())
	})
})

var _ = Describe("Then", func() {
	It("applies f to the upstream value", func() {
		val, err, _ := connect(sender.Then(sender.Just(3), func(v int) int { return v * 2 }))
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal(6))
	})

	It("passes an upstream error through unchanged", func() {
		boom := errors.New("boom")
		_, err, _ := connect(sender.Then(sender.Error[int](boom), func(v int) int { return v * 2 }))
		Expect(err).To(MatchError(boom))
	})

	It("passes an upstream stopped signal through", func() {
		stoppedSender := sender.Func[int](func(ctx context.Context, r sender.Receiver[int]) sender.Operation {
			return sender.OperationFunc(func() { r.OnStopped() })
		})
		_, _, stopped := connect(sender.Then(stoppedSender, func(v int) int { return v }))
		Expect(stopped).To(BeTrue())
	})
})

var _ = Describe("FuncReceiver", func() {
	It("tolerates nil callbacks for signals it does not care about", func() {
		r := sender.FuncReceiver[int]{}
		Expect(func() {
			r.OnValue(1)
			r.OnError(errors.New("x"))
			r.OnStopped()
		}).NotTo(Panic())
	})
})

var _ = Describe("IsStopRequested", func() {
	It("is false for a nil context", func() {
		Expect(sender.IsStopRequested(nil)).To(BeFalse())
	})

	It("is false for a live context", func() {
		Expect(sender.IsStopRequested(context.Background())).To(BeFalse())
	})

	It("is true once the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		Expect(sender.IsStopRequested(ctx)).To(BeTrue())
	})
})

type fakeScheduler struct{}

func (fakeScheduler) Schedule() sender.Sender[sender.Void] { return sender.Just(sender.Void{}) }

var _ = Describe("Scheduler environment query", func() {
	It("round-trips through WithScheduler/SchedulerFromContext", func() {
		_, ok := sender.SchedulerFromContext(context.Background())
		Expect(ok).To(BeFalse())

		sched := fakeScheduler{}
		ctx := sender.WithScheduler(context.Background(), sched)
		got, ok := sender.SchedulerFromContext(ctx)
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(sched))
	})
})

type countingAllocator struct{ allocs, frees int }

func (c *countingAllocator) Alloc(string) { c.allocs++ }
func (c *countingAllocator) Free(string)  { c.frees++ }

var _ = Describe("Allocator environment query", func() {
	It("falls back to DefaultAllocator when none is attached", func() {
		a := sender.AllocatorFromContext(context.Background())
		Expect(a).To(Equal(sender.DefaultAllocator))
	})

	It("returns the attached allocator", func() {
		counter := &countingAllocator{}
		ctx := sender.WithAllocator(context.Background(), counter)
		a := sender.AllocatorFromContext(ctx)
		a.Alloc("x")
		a.Free("x")
		Expect(counter.allocs).To(Equal(1))
		Expect(counter.frees).To(Equal(1))
	})
})
