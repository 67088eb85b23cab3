package sink

import (
	"context"
	"sync"

	"github.com/tributary-data/tributary/pkg/models"
	"github.com/tributary-data/tributary/pkg/plan"
	"github.com/tributary-data/tributary/pkg/state"
)

// CaptureSink records every applied change in memory. Tests use it to
// assert on sink traffic, and it doubles as the destination for dry
// runs.
type CaptureSink struct {
	mu          sync.Mutex
	upserts     map[string][]models.Row
	deletes     map[string][]models.Row
	flushes     map[string]int
	checkpoints map[string][]state.SyncState
	failNext    error
}

// NewCaptureSink creates an empty capturing sink
func NewCaptureSink() *CaptureSink {
	return &CaptureSink{
		upserts:     map[string][]models.Row{},
		deletes:     map[string][]models.Row{},
		flushes:     map[string]int{},
		checkpoints: map[string][]state.SyncState{},
	}
}

func (s *CaptureSink) Upsert(_ context.Context, p *plan.TablePlan, row models.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.upserts[p.Table] = append(s.upserts[p.Table], cloneRow(row))
	return nil
}

func (s *CaptureSink) Delete(_ context.Context, p *plan.TablePlan, keys []models.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	for _, k := range keys {
		s.deletes[p.Table] = append(s.deletes[p.Table], cloneRow(k))
	}
	return nil
}

func (s *CaptureSink) Flush(_ context.Context, p *plan.TablePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.flushes[p.Table]++
	return nil
}

func (s *CaptureSink) Checkpoint(_ context.Context, p *plan.TablePlan, st *state.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.checkpoints[p.Table] = append(s.checkpoints[p.Table], *st)
	return nil
}

func (s *CaptureSink) Close(context.Context) error {
	return nil
}

// FailNext makes the next sink call return err once
func (s *CaptureSink) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Upserts returns the recorded upserts for a table
func (s *CaptureSink) Upserts(table string) []models.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Row, len(s.upserts[table]))
	copy(out, s.upserts[table])
	return out
}

// Deletes returns the recorded deletes for a table
func (s *CaptureSink) Deletes(table string) []models.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Row, len(s.deletes[table]))
	copy(out, s.deletes[table])
	return out
}

// Flushes returns how many times the table was flushed
func (s *CaptureSink) Flushes(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes[table]
}

// Checkpoints returns the sync states the table checkpointed, in the
// order they arrived
func (s *CaptureSink) Checkpoints(table string) []state.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.SyncState, len(s.checkpoints[table]))
	copy(out, s.checkpoints[table])
	return out
}

func (s *CaptureSink) takeFailure() error {
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	return nil
}

func cloneRow(row models.Row) models.Row {
	out := make(models.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
