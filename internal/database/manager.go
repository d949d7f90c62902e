package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/metrics"
	"github.com/devrev/replstore/internal/storagekey"
)

// Factory creates the database for a (name, persistent) pair.
type Factory func(name string, persistent bool) (Database, error)

// DefaultFactory keeps persistent databases as SQLite files under dataDir
// and in-memory databases in process memory.
func DefaultFactory(dataDir string, logger *zap.Logger) Factory {
	return func(name string, persistent bool) (Database, error) {
		if !persistent {
			return NewMemory(name, logger), nil
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, errors.DatabaseFailure(Label(name, true), err)
		}
		db, err := OpenSQLite(name, filepath.Join(dataDir, name+".sqlite"), logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

// Action is run against one database by RunOnAllDatabases. label is the
// database's Label.
type Action func(ctx context.Context, label string, db Database) error

// Options configures a Manager.
type Options struct {
	// MaxStorageBytes is the persistent storage size above which
	// IsStorageTooLarge reports true. Zero disables the check.
	MaxStorageBytes int64
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

type managed struct {
	label string
	db    Database
}

// Manager owns the named databases of a process.
type Manager struct {
	mu        sync.RWMutex
	databases map[string]Database
	factory   Factory
	maxBytes  int64
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewManager(factory Factory, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		databases: make(map[string]Database),
		factory:   factory,
		maxBytes:  opts.MaxStorageBytes,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// GetDatabase returns the database for (name, persistent), creating it on
// first use. Later calls return the same instance.
func (m *Manager) GetDatabase(name string, persistent bool) (Database, error) {
	if name == "" {
		return nil, errors.InvalidArgument("database name must not be empty", nil)
	}
	label := Label(name, persistent)

	m.mu.RLock()
	db, ok := m.databases[label]
	m.mu.RUnlock()
	if ok {
		return db, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.databases[label]; ok {
		return db, nil
	}
	db, err := m.factory(name, persistent)
	if err != nil {
		return nil, err
	}
	m.databases[label] = db
	m.metrics.DatabaseRegistered(persistent)
	m.logger.Info("Registered database", zap.String("database", label))
	return db, nil
}

// Databases returns every registered database keyed by label.
func (m *Manager) Databases() map[string]Database {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Database, len(m.databases))
	for label, db := range m.databases {
		out[label] = db
	}
	return out
}

// Labels returns the labels of the registered databases, sorted.
func (m *Manager) Labels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	labels := make([]string, 0, len(m.databases))
	for label := range m.databases {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func (m *Manager) snapshot(filter func(Database) bool) []managed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]managed, 0, len(m.databases))
	for label, db := range m.databases {
		if filter == nil || filter(db) {
			out = append(out, managed{label: label, db: db})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].label < out[j].label })
	return out
}

// RunOnAllDatabases runs action concurrently against every registered
// database, one task per database. A failing task does not stop the
// others. Once all tasks have finished, per-database failures are
// returned together as an *errors.CompositeFailure. If ctx is done the
// context error is returned instead; tasks that had not started by then
// are skipped.
func (m *Manager) RunOnAllDatabases(ctx context.Context, action Action) error {
	return m.runOn(ctx, "run", nil, action)
}

func (m *Manager) runOn(ctx context.Context, operation string, filter func(Database) bool, action Action) error {
	start := time.Now()
	targets := m.snapshot(filter)

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := runAction(ctx, action, t); err != nil {
				mu.Lock()
				failures[t.label] = errors.DatabaseFailure(t.label, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := make([]string, 0, len(failures))
	for label := range failures {
		failed = append(failed, label)
	}
	m.metrics.RecordFanOut(operation, time.Since(start).Seconds(), failed)

	if err := ctx.Err(); err != nil {
		return err
	}
	if cf := errors.NewCompositeFailure(failures); cf != nil {
		m.logger.Warn("Operation failed on some databases",
			zap.String("operation", operation),
			zap.Strings("databases", cf.Databases()),
			zap.Int("total", len(targets)))
		return cf
	}
	return nil
}

func runAction(ctx context.Context, action Action, t managed) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("action panicked: %v", r), nil)
		}
	}()
	return action(ctx, t.label, t.db)
}

// AllHardReferenceIDs collects, per database label, the hard reference ids
// cached under foreignKey.
func (m *Manager) AllHardReferenceIDs(ctx context.Context, foreignKey storagekey.ForeignKey) (map[string][]string, error) {
	var mu sync.Mutex
	out := make(map[string][]string)
	err := m.runOn(ctx, "list_hard_references", nil, func(ctx context.Context, label string, db Database) error {
		ids, err := db.AllHardReferenceIDs(ctx, foreignKey)
		if err != nil {
			return err
		}
		mu.Lock()
		out[label] = ids
		mu.Unlock()
		return nil
	})
	return out, err
}

// RemoveHardReferences removes entries holding hard references to ids
// from every database and returns the number removed per label.
func (m *Manager) RemoveHardReferences(ctx context.Context, foreignKey storagekey.ForeignKey, ids []string) (map[string]int, error) {
	var mu sync.Mutex
	out := make(map[string]int)
	err := m.runOn(ctx, "remove_hard_references", nil, func(ctx context.Context, label string, db Database) error {
		n, err := db.RemoveHardReferences(ctx, foreignKey, ids)
		if err != nil {
			return err
		}
		mu.Lock()
		out[label] = n
		mu.Unlock()
		return nil
	})
	return out, err
}

// ResetAll deletes every entry of every database.
func (m *Manager) ResetAll(ctx context.Context) error {
	return m.runOn(ctx, "reset", nil, func(ctx context.Context, _ string, db Database) error {
		return db.Reset(ctx)
	})
}

func byPersistence(persistent bool) func(Database) bool {
	return func(db Database) bool { return db.Persistent() == persistent }
}

// EntityCount sums the entries of the persistent or in-memory databases.
func (m *Manager) EntityCount(ctx context.Context, persistent bool) (int, error) {
	var mu sync.Mutex
	total := 0
	err := m.runOn(ctx, "entity_count", byPersistence(persistent), func(ctx context.Context, _ string, db Database) error {
		n, err := db.EntityCount(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		total += n
		mu.Unlock()
		return nil
	})
	return total, err
}

// StorageSize sums the stored bytes of the persistent or in-memory databases.
func (m *Manager) StorageSize(ctx context.Context, persistent bool) (int64, error) {
	var mu sync.Mutex
	var total int64
	err := m.runOn(ctx, "storage_size", byPersistence(persistent), func(ctx context.Context, _ string, db Database) error {
		n, err := db.StorageSize(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		total += n
		mu.Unlock()
		return nil
	})
	return total, err
}

// IsStorageTooLarge reports whether persistent storage exceeds the
// configured limit.
func (m *Manager) IsStorageTooLarge(ctx context.Context) (bool, error) {
	if m.maxBytes <= 0 {
		return false, nil
	}
	size, err := m.StorageSize(ctx, true)
	if err != nil {
		return false, err
	}
	return size > m.maxBytes, nil
}

// RefreshStats updates the database gauges.
func (m *Manager) RefreshStats(ctx context.Context) error {
	var errs error
	for _, persistent := range []bool{true, false} {
		count, err := m.EntityCount(ctx, persistent)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		size, err := m.StorageSize(ctx, persistent)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.metrics.UpdateDatabaseStats(persistent, count, size)
	}
	return errs
}

// Close closes every database and forgets them.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	labels := make([]string, 0, len(m.databases))
	for label := range m.databases {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var errs error
	for _, label := range labels {
		if err := m.databases[label].Close(); err != nil {
			errs = multierr.Append(errs, errors.DatabaseFailure(label, err))
		}
	}
	m.databases = make(map[string]Database)
	return errs
}
