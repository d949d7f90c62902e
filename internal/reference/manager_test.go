package reference

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/database"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/metrics"
	"github.com/devrev/replstore/internal/storagekey"
	"github.com/devrev/replstore/internal/util/workerpool"
)

var foreignSchema = storagekey.NewForeignKey("foreignSchema")

// spyDatabase records the hard reference deletions issued against it.
type spyDatabase struct {
	database.Database

	mu       sync.Mutex
	removals [][]string
	fail     error
}

func (s *spyDatabase) RemoveHardReferences(ctx context.Context, fk storagekey.ForeignKey, ids []string) (int, error) {
	s.mu.Lock()
	s.removals = append(s.removals, append([]string(nil), ids...))
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return 0, fail
	}
	return s.Database.RemoveHardReferences(ctx, fk, ids)
}

func (s *spyDatabase) calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.removals...)
}

type fixture struct {
	databases *database.Manager
	reconcile *Manager
	spies     map[string]*spyDatabase
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{spies: make(map[string]*spyDatabase)}
	f.metrics = metrics.NewMetrics(prometheus.NewRegistry(), "test")
	f.databases = database.NewManager(func(name string, persistent bool) (database.Database, error) {
		spy := &spyDatabase{Database: database.NewMemory(name, zap.NewNop())}
		f.spies[database.Label(name, persistent)] = spy
		return spy, nil
	}, database.Options{})
	t.Cleanup(func() { _ = f.databases.Close() })
	f.reconcile = NewManager(f.databases, zap.NewNop(), f.metrics)
	return f
}

// cache stores one entry per id in the named database, each holding a hard
// reference to that id under fk.
func (f *fixture) cache(t *testing.T, dbName string, fk storagekey.ForeignKey, ids ...string) {
	t.Helper()
	db, err := f.databases.GetDatabase(dbName, false)
	require.NoError(t, err)
	for _, id := range ids {
		d, ok := crdt.NewSetData().Apply(crdt.SetAdd{
			Actor: "a",
			Clock: crdt.VersionMap{"a": 1},
			Value: crdt.HardRef(id, fk.String()),
		})
		require.True(t, ok)
		key := storagekey.MemoryKey(fk.Namespace+"-"+id, "abc123", dbName)
		written, _, err := db.InsertOrUpdate(context.Background(), key, d, 1, database.NoClient)
		require.NoError(t, err)
		require.True(t, written)
	}
}

func (f *fixture) cached(t *testing.T, dbName string, fk storagekey.ForeignKey) []string {
	t.Helper()
	db, err := f.databases.GetDatabase(dbName, false)
	require.NoError(t, err)
	ids, err := db.AllHardReferenceIDs(context.Background(), fk)
	require.NoError(t, err)
	return ids
}

func TestReconcile_DeletesOnlyStaleIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache(t, "main", foreignSchema, "id1", "id2")

	res, err := f.reconcile.Reconcile(ctx, foreignSchema, []string{"id1", "id3"})
	require.NoError(t, err)

	spy := f.spies["memdb:main"]
	assert.Equal(t, [][]string{{"id2"}}, spy.calls())
	assert.Equal(t, map[string][]string{"memdb:main": {"id2"}}, res.IDs)
	assert.Equal(t, 1, res.Total())
	assert.Equal(t, []string{"id1"}, f.cached(t, "main", foreignSchema))

	// Same live set again: nothing left to delete.
	res, err = f.reconcile.Reconcile(ctx, foreignSchema, []string{"id1", "id3"})
	require.NoError(t, err)
	assert.Len(t, spy.calls(), 1)
	assert.Zero(t, res.Total())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HardReferenceDeletesTotal.WithLabelValues("foreignSchema", "reconcile")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ReconcileRunsTotal.WithLabelValues("success")))
}

func TestReconcile_EmptyLiveSetSweepsNamespace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := storagekey.NewForeignKey("Other")
	f.cache(t, "a", foreignSchema, "id1", "id2")
	f.cache(t, "b", foreignSchema, "id3")
	f.cache(t, "b", other, "id1")

	res, err := f.reconcile.Reconcile(ctx, foreignSchema, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"memdb:a": {"id1", "id2"},
		"memdb:b": {"id3"},
	}, res.IDs)
	assert.Equal(t, 3, res.Total())

	assert.Empty(t, f.cached(t, "a", foreignSchema))
	assert.Empty(t, f.cached(t, "b", foreignSchema))
	assert.Equal(t, []string{"id1"}, f.cached(t, "b", other), "other namespaces are untouched")
}

func TestReconcile_PartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache(t, "good", foreignSchema, "id1", "id2")
	f.cache(t, "bad", foreignSchema, "id2")
	boom := stderrors.New("disk full")
	f.spies["memdb:bad"].fail = boom

	res, err := f.reconcile.Reconcile(ctx, foreignSchema, []string{"id1"})
	var cf *errors.CompositeFailure
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, []string{"memdb:bad"}, cf.Databases())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, map[string][]string{"memdb:good": {"id2"}}, res.IDs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconcileRunsTotal.WithLabelValues("failure")))

	// A retry once the database recovers converges.
	f.spies["memdb:bad"].fail = nil
	res, err = f.reconcile.Reconcile(ctx, foreignSchema, []string{"id1"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"memdb:bad": {"id2"}}, res.IDs)
}

func TestTriggerDatabaseDeletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache(t, "a", foreignSchema, "id1", "id2")
	f.cache(t, "b", foreignSchema, "id2")

	res, err := f.reconcile.TriggerDatabaseDeletion(ctx, foreignSchema, "id2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"memdb:a": 1, "memdb:b": 1}, res.Entries)
	assert.Equal(t, []string{"id1"}, f.cached(t, "a", foreignSchema))
	assert.Empty(t, f.cached(t, "b", foreignSchema))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.HardReferenceDeletesTotal.WithLabelValues("foreignSchema", "deletion")))

	_, err = f.reconcile.TriggerDatabaseDeletion(ctx, foreignSchema, "")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestReconcileAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := storagekey.NewForeignKey("Other")
	f.cache(t, "main", foreignSchema, "id1", "id2")
	f.cache(t, "main", other, "x", "y")

	out, err := f.reconcile.ReconcileAll(ctx, map[storagekey.ForeignKey][]string{
		foreignSchema: {"id2"},
		other:         {"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out[foreignSchema].Total())
	assert.Zero(t, out[other].Total())
	assert.Equal(t, []string{"id2"}, f.cached(t, "main", foreignSchema))
}

func TestScheduler_RunOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := storagekey.NewForeignKey("Other")
	f.cache(t, "main", foreignSchema, "id1", "id2")
	f.cache(t, "main", other, "x")

	pool := workerpool.New(workerpool.Config{Name: "reconcile", Workers: 2})
	defer pool.Stop(time.Second)
	s := NewScheduler(f.reconcile, SchedulerConfig{Pool: pool, Interval: time.Hour})

	var reads int
	var mu sync.Mutex
	require.True(t, s.Register(foreignSchema, func(context.Context) ([]string, error) {
		mu.Lock()
		reads++
		mu.Unlock()
		return []string{"id1"}, nil
	}))
	require.False(t, s.Register(foreignSchema, func(context.Context) ([]string, error) { return nil, nil }))
	sourceErr := stderrors.New("owner unreachable")
	require.True(t, s.Register(other, func(context.Context) ([]string, error) { return nil, sourceErr }))
	assert.Equal(t, []string{"Other", "foreignSchema"}, s.Namespaces())

	err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, sourceErr)
	assert.Equal(t, 1, reads, "the live set is read once per run")
	assert.Equal(t, []string{"id1"}, f.cached(t, "main", foreignSchema))
	assert.Equal(t, []string{"x"}, f.cached(t, "main", other), "a failing source deletes nothing")
}

func TestScheduler_Periodic(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.reconcile, SchedulerConfig{Interval: 10 * time.Millisecond})

	runs := make(chan struct{}, 16)
	s.Register(foreignSchema, func(context.Context) ([]string, error) {
		select {
		case runs <- struct{}{}:
		default:
		}
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx)
	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d did not happen", i)
		}
	}
	s.Stop()
	s.Stop()
}
