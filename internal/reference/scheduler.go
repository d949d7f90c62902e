package reference

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/storagekey"
	"github.com/devrev/replstore/internal/util/workerpool"
)

// IDSource returns the authoritative set of live ids for a foreign
// namespace.
type IDSource func(ctx context.Context) ([]string, error)

// SchedulerConfig configures periodic reconciliation.
type SchedulerConfig struct {
	Interval time.Duration
	// Timeout bounds a single namespace's reconcile. Zero means no bound.
	Timeout time.Duration
	Pool    *workerpool.Pool
	Logger  *zap.Logger
}

// Scheduler reconciles every registered foreign namespace on an interval.
type Scheduler struct {
	manager  *Manager
	pool     *workerpool.Pool
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	sources map[string]IDSource
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewScheduler(manager *Manager, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Pool == nil {
		cfg.Pool = workerpool.New(workerpool.Config{Name: "reconcile", Logger: cfg.Logger})
	}
	return &Scheduler{
		manager:  manager,
		pool:     cfg.Pool,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		sources:  make(map[string]IDSource),
	}
}

// Register adds src as the id source for foreignKey. It reports false if
// the namespace already has a source.
func (s *Scheduler) Register(foreignKey storagekey.ForeignKey, src IDSource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[foreignKey.Namespace]; ok {
		return false
	}
	s.sources[foreignKey.Namespace] = src
	return true
}

// Namespaces returns the registered namespaces, sorted.
func (s *Scheduler) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sources))
	for ns := range s.sources {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Start runs RunOnce every interval until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.RunOnce(ctx); err != nil {
					s.logger.Warn("Periodic reconcile failed", zap.Error(err))
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("Reconcile scheduler started", zap.Duration("interval", s.interval))
}

// Stop ends the periodic loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

// RunOnce reconciles every registered namespace on the pool and waits for
// all of them. Each namespace reads its id source once before diffing.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	sources := make(map[string]IDSource, len(s.sources))
	for ns, src := range s.sources {
		sources[ns] = src
	}
	s.mu.Unlock()

	namespaces := make([]string, 0, len(sources))
	for ns := range sources {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	var errs error
	pending := make(map[string]<-chan error, len(namespaces))
	for _, ns := range namespaces {
		key := storagekey.NewForeignKey(ns)
		src := sources[ns]
		done, err := s.pool.Submit(ctx, workerpool.Job{
			Name: "reconcile:" + ns,
			Run: func(ctx context.Context) error {
				return s.reconcileFrom(ctx, key, src)
			},
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		pending[ns] = done
	}

	for _, ns := range namespaces {
		done, ok := pending[ns]
		if !ok {
			continue
		}
		select {
		case err := <-done:
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("reconcile %s: %w", ns, err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errs
}

func (s *Scheduler) reconcileFrom(ctx context.Context, key storagekey.ForeignKey, src IDSource) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ids, err := src(ctx)
	if err != nil {
		return errors.Unavailable(fmt.Sprintf("id source for %s failed", key), err)
	}
	_, err = s.manager.Reconcile(ctx, key, ids)
	return err
}
