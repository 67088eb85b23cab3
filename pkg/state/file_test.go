package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/pkg/checksum"
	"github.com/tributary-data/tributary/pkg/compression"
	"github.com/tributary-data/tributary/pkg/plan"
)

func TestFileStoreStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), compression.Zstd)
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.Load(ctx, "public.orders")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	st := &SyncState{
		Table:         "public.orders",
		Watermark:     "2026-03-01T12:00:00Z",
		RowsProcessed: 42,
		Status:        StatusSucceeded,
		UpdatedAt:     time.Now().UTC(),
		Plan: &plan.TablePlan{
			Table:             "public.orders",
			Strategy:          plan.StrategyIncremental,
			ReplicationColumn: "updated_at",
		},
	}
	require.NoError(t, s.Save(ctx, st))

	loaded, err = s.Load(ctx, "public.orders")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, st.Watermark, loaded.Watermark)
	assert.Equal(t, StatusSucceeded, loaded.Status)
	require.NotNil(t, loaded.Plan)
	assert.Equal(t, plan.StrategyIncremental, loaded.Plan.Strategy)
}

func TestFileStoreIndexRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), compression.Zstd)
	require.NoError(t, err)
	defer s.Close()

	ix, err := s.LoadIndex(ctx, "public.orders")
	require.NoError(t, err)
	assert.Empty(t, ix)

	want := checksum.Index{"1": "aaaa", "2": "bbbb"}
	require.NoError(t, s.SaveIndex(ctx, "public.orders", want))

	ix, err = s.LoadIndex(ctx, "public.orders")
	require.NoError(t, err)
	assert.Equal(t, want, ix)
}

func TestFileStoreIsolatesTables(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), compression.None)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, &SyncState{Table: "a", Watermark: "1"}))
	require.NoError(t, s.Save(ctx, &SyncState{Table: "b", Watermark: "2"}))

	a, err := s.Load(ctx, "a")
	require.NoError(t, err)
	b, err := s.Load(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "1", a.Watermark)
	assert.Equal(t, "2", b.Watermark)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStore(dir, compression.Zstd)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &SyncState{Table: "public.orders", Watermark: "wm"}))
	require.NoError(t, s.SaveIndex(ctx, "public.orders", checksum.Index{"k": "d"}))
	require.NoError(t, s.Close())

	s2, err := NewFileStore(dir, compression.Zstd)
	require.NoError(t, err)
	defer s2.Close()

	st, err := s2.Load(ctx, "public.orders")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "wm", st.Watermark)

	ix, err := s2.LoadIndex(ctx, "public.orders")
	require.NoError(t, err)
	assert.Equal(t, checksum.Index{"k": "d"}, ix)
}

func TestMemoryStoreCopiesState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	st := &SyncState{Table: "t", Watermark: "1"}
	require.NoError(t, s.Save(ctx, st))
	st.Watermark = "mutated"

	loaded, err := s.Load(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "1", loaded.Watermark)
}
