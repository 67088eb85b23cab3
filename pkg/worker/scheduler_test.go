package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/objectstore"
	"github.com/tributary-data/tributary/pkg/plan"
	"github.com/tributary-data/tributary/pkg/sink"
	"github.com/tributary-data/tributary/pkg/stage"
	"github.com/tributary-data/tributary/pkg/state"
)

// countingStager tracks concurrent Stage calls and can fail chosen tables
type countingStager struct {
	store      objectstore.Store
	delay      time.Duration
	failTables map[string]bool

	active  atomic.Int32
	maxSeen atomic.Int32
}

func (s *countingStager) Stage(ctx context.Context, p *plan.TablePlan, low string) ([]stage.StagedObject, error) {
	cur := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if cur <= seen || s.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failTables[p.Table] {
		return nil, errors.New(errors.ErrorTypeStage, "simulated export failure")
	}
	return nil, nil
}

func TestSchedulerBoundsParallelism(t *testing.T) {
	store := objectstore.NewMemoryStore()
	stager := &countingStager{store: store, delay: 30 * time.Millisecond}
	w := newTestWorker(stager, store, sink.NewCaptureSink(), state.NewMemoryStore(), Options{})

	plans := make([]*plan.TablePlan, 0, 6)
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		plans = append(plans, usersPlan(plan.StrategyFull, false))
		plans[len(plans)-1].Table = name
	}

	sched := NewScheduler(w, SchedulerOptions{Parallelism: 2})
	results := sched.Run(context.Background(), plans)

	require.Len(t, results, 6)
	assert.LessOrEqual(t, stager.maxSeen.Load(), int32(2))
	for _, res := range results {
		assert.Equal(t, PhaseSucceeded, res.Phase)
	}
}

func TestSchedulerIsolatesFailures(t *testing.T) {
	store := objectstore.NewMemoryStore()
	stager := &countingStager{store: store, failTables: map[string]bool{"bad": true}}
	states := state.NewMemoryStore()
	w := newTestWorker(stager, store, sink.NewCaptureSink(), states, Options{})

	var plans []*plan.TablePlan
	for _, name := range []string{"bad", "good1", "good2"} {
		p := usersPlan(plan.StrategyFull, false)
		p.Table = name
		plans = append(plans, p)
	}

	sched := NewScheduler(w, SchedulerOptions{Parallelism: 2})
	results := sched.Run(context.Background(), plans)

	require.Len(t, results, 3)
	byTable := map[string]*Result{}
	for _, r := range results {
		byTable[r.Table] = r
	}

	assert.Equal(t, PhaseFailed, byTable["bad"].Phase)
	assert.Error(t, byTable["bad"].Err)
	assert.Equal(t, PhaseSucceeded, byTable["good1"].Phase)
	assert.Equal(t, PhaseSucceeded, byTable["good2"].Phase)

	// The failed table's state records the failure; the others succeeded.
	st, err := states.Load(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
}

func TestSchedulerResultsAreSorted(t *testing.T) {
	store := objectstore.NewMemoryStore()
	stager := &countingStager{store: store}
	w := newTestWorker(stager, store, sink.NewCaptureSink(), state.NewMemoryStore(), Options{})

	var plans []*plan.TablePlan
	for _, name := range []string{"zeta", "alpha", "mid"} {
		p := usersPlan(plan.StrategyFull, false)
		p.Table = name
		plans = append(plans, p)
	}

	results := NewScheduler(w, SchedulerOptions{Parallelism: 3}).Run(context.Background(), plans)
	require.Len(t, results, 3)
	assert.Equal(t, "alpha", results[0].Table)
	assert.Equal(t, "mid", results[1].Table)
	assert.Equal(t, "zeta", results[2].Table)
}

func TestSchedulerDeadlineSkipsRemaining(t *testing.T) {
	store := objectstore.NewMemoryStore()
	stager := &countingStager{store: store, delay: 50 * time.Millisecond}
	w := newTestWorker(stager, store, sink.NewCaptureSink(), state.NewMemoryStore(), Options{})

	var plans []*plan.TablePlan
	for _, name := range []string{"a", "b", "c", "d"} {
		p := usersPlan(plan.StrategyFull, false)
		p.Table = name
		plans = append(plans, p)
	}

	sched := NewScheduler(w, SchedulerOptions{Parallelism: 1, Deadline: 20 * time.Millisecond})
	results := sched.Run(context.Background(), plans)

	require.Len(t, results, 4)
	var skipped int
	for _, r := range results {
		if r.Phase == PhasePending {
			skipped++
		}
	}
	assert.Greater(t, skipped, 0)
}
