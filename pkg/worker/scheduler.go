package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/logger"
	"github.com/tributary-data/tributary/pkg/plan"
)

const defaultWorkerCount = 4

// Scheduler fans table plans out across a bounded worker pool. Tables
// are independent: one failure is recorded and the rest keep running.
type Scheduler struct {
	worker   *Worker
	parallel int
	deadline time.Duration
	logger   *zap.Logger
}

// SchedulerOptions tunes a scheduler
type SchedulerOptions struct {
	// Parallelism bounds concurrently syncing tables
	Parallelism int
	// Deadline stops dispatching new tables once elapsed. Tables
	// already in flight run to completion.
	Deadline time.Duration
}

// NewScheduler creates a scheduler driving the given worker
func NewScheduler(w *Worker, opts SchedulerOptions) *Scheduler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultWorkerCount
	}
	return &Scheduler{
		worker:   w,
		parallel: opts.Parallelism,
		deadline: opts.Deadline,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// Run syncs every plan and returns results in table-name order. The
// context cancels in-flight syncs; the deadline only stops dispatch.
func (s *Scheduler) Run(ctx context.Context, plans []*plan.TablePlan) []*Result {
	start := time.Now()
	sem := make(chan struct{}, s.parallel)
	results := make([]*Result, len(plans))

	var wg sync.WaitGroup
	for i, p := range plans {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = &Result{Table: p.Table, Phase: PhasePending, Err: ctx.Err(), Error: ctx.Err().Error()}
			continue
		}

		// The deadline gates dispatch only; syncs already in flight
		// run to completion.
		if s.deadline > 0 && time.Since(start) > s.deadline {
			<-sem
			s.logger.Warn("run deadline reached, skipping remaining tables",
				zap.String("table", p.Table), zap.Duration("deadline", s.deadline))
			results[i] = &Result{Table: p.Table, Phase: PhasePending}
			continue
		}

		wg.Add(1)
		go func(i int, p *plan.TablePlan) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.worker.Sync(ctx, p)
		}(i, p)
	}
	wg.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].Table < results[b].Table })
	return results
}
