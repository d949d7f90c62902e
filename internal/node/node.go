// Package node assembles the storage substrate of one replstore process:
// the key parsers, driver providers, databases, reference reconciler and
// the admin server around them.
package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/config"
	"github.com/devrev/replstore/internal/database"
	"github.com/devrev/replstore/internal/driver"
	"github.com/devrev/replstore/internal/driver/dbdriver"
	"github.com/devrev/replstore/internal/driver/remote"
	"github.com/devrev/replstore/internal/driver/volatile"
	"github.com/devrev/replstore/internal/health"
	"github.com/devrev/replstore/internal/metrics"
	"github.com/devrev/replstore/internal/reference"
	"github.com/devrev/replstore/internal/server"
	"github.com/devrev/replstore/internal/storagekey"
	"github.com/devrev/replstore/internal/util/workerpool"
)

const statsInterval = 15 * time.Second

// Node owns every long-lived component of a process.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Keys       *storagekey.Registry
	Drivers    *driver.Registry
	Volatile   *volatile.Provider
	Databases  *database.Manager
	References *reference.Manager
	Scheduler  *reference.Scheduler
	Health     *health.Checker
	Remote     *remote.Provider

	pool   *workerpool.Pool
	server *server.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node from cfg and registers the configured databases. The
// remote provider is dialed only when enabled.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	n := &Node{cfg: cfg, logger: logger}
	n.Registry = prometheus.NewRegistry()
	n.Metrics = metrics.NewMetrics(n.Registry, cfg.NodeID)
	n.Keys = storagekey.DefaultRegistry()

	n.Databases = database.NewManager(database.DefaultFactory(cfg.Storage.DataDir, logger), database.Options{
		MaxStorageBytes: cfg.Storage.MaxStorageBytes,
		Logger:          logger,
		Metrics:         n.Metrics,
	})
	for _, db := range cfg.Databases {
		if _, err := n.Databases.GetDatabase(db.Name, db.Persistent); err != nil {
			_ = n.Databases.Close()
			return nil, fmt.Errorf("failed to open database %s: %w", database.Label(db.Name, db.Persistent), err)
		}
	}

	n.Volatile = volatile.NewProvider(cfg.Storage.ArcID, logger)
	n.Drivers = driver.NewRegistry(logger, n.Metrics)
	n.Drivers.Register(n.Volatile)
	n.Drivers.Register(volatile.NewRamDiskProvider(volatile.NewMemory(logger)))
	n.Drivers.Register(dbdriver.NewProvider(n.Databases, logger, n.Metrics))

	deps := map[string]health.Pinger{}
	if cfg.Remote.Enabled {
		p, err := remote.Dial(ctx, remote.Options{
			Addr:     cfg.Remote.Addr,
			Password: cfg.Remote.Password,
			DB:       cfg.Remote.DB,
			Prefix:   cfg.Remote.Prefix,
		}, logger)
		if err != nil {
			_ = n.Databases.Close()
			return nil, err
		}
		n.Remote = p
		n.Drivers.Register(p)
		deps["redis"] = p
	}

	n.References = reference.NewManager(n.Databases, logger, n.Metrics)
	n.pool = workerpool.New(workerpool.Config{
		Name:      "reconcile",
		Workers:   cfg.Reconcile.Workers,
		QueueSize: cfg.Reconcile.QueueSize,
		Logger:    logger,
		Metrics:   n.Metrics,
	})
	n.Scheduler = reference.NewScheduler(n.References, reference.SchedulerConfig{
		Interval: cfg.Reconcile.Interval,
		Timeout:  cfg.Reconcile.Timeout,
		Pool:     n.pool,
		Logger:   logger,
	})
	n.Health = health.NewChecker(n.Databases, health.Config{
		DataDir:      cfg.Storage.DataDir,
		Dependencies: deps,
	}, logger)
	return n, nil
}

// OpenExisting registers every persistent database found in the data
// directory.
func (n *Node) OpenExisting() error {
	matches, err := filepath.Glob(filepath.Join(n.cfg.Storage.DataDir, "*.sqlite"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	var errs error
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), ".sqlite")
		if _, err := n.Databases.GetDatabase(name, true); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Driver resolves raw to a storage key and opens a driver for it.
func (n *Node) Driver(ctx context.Context, raw string, exists driver.Exists) (driver.Driver, error) {
	key, err := n.Keys.Parse(raw)
	if err != nil {
		return nil, err
	}
	return n.Drivers.Driver(ctx, key, exists)
}

// Start runs the background loops and the admin server. Server errors are
// sent on the returned channel.
func (n *Node) Start(ctx context.Context) <-chan error {
	ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.Health.Start(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.collectStats(ctx)
	}()
	n.Scheduler.Start(ctx)

	var gatherer prometheus.Gatherer
	if n.cfg.Metrics.Enabled {
		gatherer = n.Registry
	}
	handlers := server.NewHandlers(n.Keys, n.Databases, n.References, n.logger)
	n.server = server.NewServer(n.cfg, handlers, n.Health, gatherer, n.logger)

	errCh := make(chan error, 1)
	go func() {
		if err := n.server.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (n *Node) collectStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.Databases.RefreshStats(ctx); err != nil {
				n.logger.Warn("Failed to refresh database stats", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts the node down, waiting up to the configured shutdown timeout.
func (n *Node) Stop(ctx context.Context) error {
	var errs error
	n.Health.SetReadiness(false)
	if n.server != nil {
		errs = multierr.Append(errs, n.server.Shutdown(ctx))
	}
	n.Scheduler.Stop()
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.Health.SetReadiness(false)
	errs = multierr.Append(errs, n.pool.Stop(n.cfg.Server.ShutdownTimeout))
	errs = multierr.Append(errs, n.Databases.Close())
	if n.Remote != nil {
		errs = multierr.Append(errs, n.Remote.Close())
	}
	return errs
}
