// Package scheduler implements the harness's parallelism shape: three
// memory-class semaphores gating run-level action execution, and an
// errgroup-driven worker pool bounded by parallel_subtests fanning
// tier-level subtest dispatch out across goroutines.
package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/evalharness/harness/internal/checkpoint"
)

// Limits configures the three memory-class gates and the subtest
// worker pool width.
type Limits struct {
	High             int // default 1
	Med              int // default 4
	Low              int // default 8
	ParallelSubtests int // default 4
}

// DefaultLimits returns the stock limits: one worktree/agent/judge at
// a time, moderate fan-out for everything else.
func DefaultLimits() Limits {
	return Limits{High: 1, Med: 4, Low: 8, ParallelSubtests: 4}
}

// Gates holds the three weighted semaphores that gate run-action
// execution by memory class, satisfying statemachine.Gate.
type Gates struct {
	high *semaphore.Weighted
	med  *semaphore.Weighted
	low  *semaphore.Weighted
}

// NewGates builds the three semaphores from Limits. A zero or negative
// limit is treated as 1 to avoid a permanently-blocking semaphore.
func NewGates(limits Limits) *Gates {
	clamp := func(n int) int64 {
		if n <= 0 {
			return 1
		}
		return int64(n)
	}
	return &Gates{
		high: semaphore.NewWeighted(clamp(limits.High)),
		med:  semaphore.NewWeighted(clamp(limits.Med)),
		low:  semaphore.NewWeighted(clamp(limits.Low)),
	}
}

func (g *Gates) forClass(class checkpoint.MemoryClass) *semaphore.Weighted {
	switch class {
	case checkpoint.MemoryHigh:
		return g.high
	case checkpoint.MemoryMed:
		return g.med
	default:
		return g.low
	}
}

// Acquire blocks until the semaphore for class is available or ctx is
// canceled, returning a release function. It implements
// statemachine.Gate.
func (g *Gates) Acquire(ctx context.Context, class checkpoint.MemoryClass) (func(), error) {
	sem := g.forClass(class)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// RunSubtests fans subtest work out across a worker pool bounded by
// limits.ParallelSubtests, using an errgroup so the first subtest
// error cancels the shared context and is returned to the caller.
// One subtest failing does not stop siblings at
// the checkpoint level: the tier driver is expected to record each
// subtest's own FAILED state inside work itself rather than relying on
// errgroup's fail-fast cancellation; RunSubtests only bounds
// concurrency and surfaces Shutdown/RateLimit signals that truly must
// abort the whole tier.
func RunSubtests(ctx context.Context, limits Limits, items []string, work func(ctx context.Context, subtest string) error) error {
	width := limits.ParallelSubtests
	if width <= 0 {
		width = 1
	}

	group, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(width))

	for _, item := range items {
		item := item
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			return work(gctx, item)
		})
	}

	return group.Wait()
}
