package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/database"
	"github.com/devrev/replstore/internal/errors"
)

// Status is the overall health of the process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check states.
const (
	CheckHealthy  = "healthy"
	CheckWarning  = "warning"
	CheckCritical = "critical"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Pinger is an external dependency whose reachability affects readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for health checks
type Config struct {
	DataDir  string
	Interval time.Duration
	Timeout  time.Duration
	// Dependencies are pinged on every check, keyed by name.
	Dependencies map[string]Pinger
}

// Checker tracks the health of the databases and dependencies of a node.
type Checker struct {
	databases *database.Manager
	dataDir   string
	interval  time.Duration
	timeout   time.Duration
	deps      map[string]Pinger
	logger    *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      Status
	checks      map[string]CheckResult
	readinessOK bool
}

func NewChecker(databases *database.Manager, cfg Config, logger *zap.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		databases:   databases,
		dataDir:     cfg.DataDir,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		deps:        cfg.Dependencies,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		status:      StatusHealthy,
		readinessOK: true,
	}
}

// Start runs checks every interval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Run(ctx)
	for {
		select {
		case <-ticker.C:
			h.Run(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// Run performs every check once and updates the overall status.
func (h *Checker) Run(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := []CheckResult{h.checkDatabases(ctx), h.checkStorageSize(ctx)}
	if h.dataDir != "" {
		results = append(results, h.checkDataDirAccessible())
	}
	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		results = append(results, h.checkDependency(ctx, name, h.deps[name]))
	}

	status := StatusHealthy
	ready := true
	for _, r := range results {
		switch r.Status {
		case CheckCritical:
			status = StatusUnhealthy
			ready = false
		case CheckWarning:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.checks = make(map[string]CheckResult, len(results))
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.status = status
	h.readinessOK = ready
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", ready))
	return status
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// checkDatabases pings every database. Some failing is a warning; all
// failing is critical.
func (h *Checker) checkDatabases(ctx context.Context) CheckResult {
	total := len(h.databases.Labels())
	err := h.databases.RunOnAllDatabases(ctx, func(ctx context.Context, _ string, db database.Database) error {
		return db.Ping(ctx)
	})
	if err == nil {
		return result("databases", CheckHealthy, fmt.Sprintf("%d database(s) reachable", total))
	}

	var cf *errors.CompositeFailure
	if stderrors.As(err, &cf) && cf.Len() < total {
		return result("databases", CheckWarning,
			fmt.Sprintf("%d of %d database(s) failing: %v", cf.Len(), total, cf.Databases()))
	}
	return result("databases", CheckCritical, fmt.Sprintf("Databases unreachable: %v", err))
}

func (h *Checker) checkStorageSize(ctx context.Context) CheckResult {
	tooLarge, err := h.databases.IsStorageTooLarge(ctx)
	switch {
	case err != nil:
		return result("storage_size", CheckWarning, fmt.Sprintf("Failed to measure storage: %v", err))
	case tooLarge:
		return result("storage_size", CheckWarning, "Persistent storage exceeds the configured limit")
	default:
		return result("storage_size", CheckHealthy, "Persistent storage within limit")
	}
}

// checkDataDirAccessible checks if data directory is accessible
func (h *Checker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", CheckCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", CheckCritical, "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", CheckCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", CheckHealthy, "Data directory is accessible and writable")
}

func (h *Checker) checkDependency(ctx context.Context, name string, p Pinger) CheckResult {
	if err := p.Ping(ctx); err != nil {
		return result(name, CheckCritical, fmt.Sprintf("%s unreachable: %v", name, err))
	}
	return result(name, CheckHealthy, name+" reachable")
}

// IsReady reports whether the node can serve traffic.
func (h *Checker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// Status returns the overall status of the last run.
func (h *Checker) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Checks returns a copy of the last check results.
func (h *Checker) Checks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness overrides readiness, e.g. during graceful shutdown.
func (h *Checker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler always reports the process as live along with the last
// known status.
func (h *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy": true,
		"status":  h.Status(),
	})
}

// ReadinessHandler reports 503 unless the last run found the node ready.
func (h *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":  ready,
		"status": h.Status(),
		"checks": h.Checks(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
