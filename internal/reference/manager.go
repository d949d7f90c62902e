// Package reference keeps the hard references cached by local databases
// consistent with the foreign owners of the referenced ids.
//
// A foreign owner is named by a ForeignKey. When it deletes an id, every
// entry holding a hard reference to that id is removed from every database.
// Reconcile covers deletions that were missed: it diffs the ids cached
// locally against the owner's authoritative id set and purges the rest.
package reference

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/database"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/metrics"
	"github.com/devrev/replstore/internal/storagekey"
)

const (
	triggerDeletion  = "deletion"
	triggerReconcile = "reconcile"
)

// Result reports what a deletion or reconcile removed, per database label.
type Result struct {
	// IDs holds the hard reference ids deleted from each database.
	IDs map[string][]string
	// Entries holds the number of entries removed from each database.
	Entries map[string]int
}

// Total returns the number of entries removed across all databases.
func (r Result) Total() int {
	n := 0
	for _, c := range r.Entries {
		n += c
	}
	return n
}

func newResult() Result {
	return Result{IDs: make(map[string][]string), Entries: make(map[string]int)}
}

// Manager propagates foreign deletions to the databases of a
// database.Manager.
type Manager struct {
	databases *database.Manager
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewManager(databases *database.Manager, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{databases: databases, logger: logger, metrics: m}
}

// TriggerDatabaseDeletion removes every entry holding a hard reference to
// id under foreignKey from every database.
func (m *Manager) TriggerDatabaseDeletion(ctx context.Context, foreignKey storagekey.ForeignKey, id string) (Result, error) {
	if id == "" {
		return Result{}, errors.InvalidArgument("hard reference id must not be empty", nil)
	}
	res := newResult()
	var mu sync.Mutex
	err := m.databases.RunOnAllDatabases(ctx, func(ctx context.Context, label string, db database.Database) error {
		n, err := db.RemoveHardReferences(ctx, foreignKey, []string{id})
		if err != nil {
			return err
		}
		mu.Lock()
		res.IDs[label] = []string{id}
		res.Entries[label] = n
		mu.Unlock()
		return nil
	})
	m.metrics.RecordHardReferenceDeletes(foreignKey.Namespace, triggerDeletion, res.Total())

	m.logger.Info("Propagated foreign deletion",
		zap.String("foreign_key", foreignKey.String()),
		zap.String("id", id),
		zap.Int("entries_removed", res.Total()),
		zap.Error(err))
	return res, err
}

// Reconcile deletes, from every database, the hard references under
// foreignKey whose ids are not in liveIDs. An empty liveIDs purges every
// hard reference under foreignKey. Calling it again with the same liveIDs
// deletes nothing.
func (m *Manager) Reconcile(ctx context.Context, foreignKey storagekey.ForeignKey, liveIDs []string) (Result, error) {
	start := time.Now()

	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}

	res := newResult()
	var mu sync.Mutex
	err := m.databases.RunOnAllDatabases(ctx, func(ctx context.Context, label string, db database.Database) error {
		cached, err := db.AllHardReferenceIDs(ctx, foreignKey)
		if err != nil {
			return err
		}
		stale := difference(cached, live)
		if len(stale) == 0 {
			return nil
		}
		n, err := db.RemoveHardReferences(ctx, foreignKey, stale)
		if err != nil {
			return err
		}
		mu.Lock()
		res.IDs[label] = stale
		res.Entries[label] = n
		mu.Unlock()
		return nil
	})

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.metrics.RecordReconcile(outcome, time.Since(start).Seconds())
	m.metrics.RecordHardReferenceDeletes(foreignKey.Namespace, triggerReconcile, res.Total())

	m.logger.Info("Reconciled hard references",
		zap.String("foreign_key", foreignKey.String()),
		zap.Int("live_ids", len(live)),
		zap.Int("databases_changed", len(res.IDs)),
		zap.Int("entries_removed", res.Total()),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return res, err
}

// ReconcileAll reconciles several namespaces with known live id sets.
func (m *Manager) ReconcileAll(ctx context.Context, live map[storagekey.ForeignKey][]string) (map[storagekey.ForeignKey]Result, error) {
	keys := make([]storagekey.ForeignKey, 0, len(live))
	for k := range live {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Namespace < keys[j].Namespace })

	out := make(map[storagekey.ForeignKey]Result, len(keys))
	var errs error
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := m.Reconcile(ctx, k, live[k])
		out[k] = res
		errs = multierr.Append(errs, err)
	}
	return out, errs
}

// difference returns the ids of cached absent from live, sorted.
func difference(cached []string, live map[string]struct{}) []string {
	var out []string
	for _, id := range cached {
		if _, ok := live[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
