package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/database"
)

type flakyDatabase struct {
	database.Database
	err error
}

func (f *flakyDatabase) Ping(context.Context) error { return f.err }

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func newManager(t *testing.T, failing map[string]bool) *database.Manager {
	t.Helper()
	m := database.NewManager(func(name string, persistent bool) (database.Database, error) {
		db := &flakyDatabase{Database: database.NewMemory(name, zap.NewNop())}
		if failing[name] {
			db.err = stderrors.New("connection reset")
		}
		return db, nil
	}, database.Options{})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func register(t *testing.T, m *database.Manager, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := m.GetDatabase(name, false)
		require.NoError(t, err)
	}
}

func TestChecker_Statuses(t *testing.T) {
	tests := []struct {
		name    string
		dbs     []string
		failing map[string]bool
		dep     error
		want    Status
		ready   bool
	}{
		{name: "all healthy", dbs: []string{"a", "b"}, want: StatusHealthy, ready: true},
		{name: "no databases", want: StatusHealthy, ready: true},
		{name: "one database failing", dbs: []string{"a", "b"}, failing: map[string]bool{"b": true}, want: StatusDegraded, ready: true},
		{name: "all databases failing", dbs: []string{"a"}, failing: map[string]bool{"a": true}, want: StatusUnhealthy, ready: false},
		{name: "dependency down", dbs: []string{"a"}, dep: stderrors.New("refused"), want: StatusUnhealthy, ready: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, tt.failing)
			register(t, m, tt.dbs...)
			dep := tt.dep
			h := NewChecker(m, Config{
				DataDir: t.TempDir(),
				Dependencies: map[string]Pinger{
					"redis": pingFunc(func(context.Context) error { return dep }),
				},
			}, zap.NewNop())

			assert.Equal(t, tt.want, h.Run(context.Background()))
			assert.Equal(t, tt.want, h.Status())
			assert.Equal(t, tt.ready, h.IsReady())
			checks := h.Checks()
			assert.Contains(t, checks, "databases")
			assert.Contains(t, checks, "storage_size")
			assert.Contains(t, checks, "data_dir_accessible")
			assert.Contains(t, checks, "redis")
		})
	}
}

func TestChecker_MissingDataDir(t *testing.T) {
	h := NewChecker(newManager(t, nil), Config{DataDir: "/nonexistent/replstore"}, zap.NewNop())
	assert.Equal(t, StatusUnhealthy, h.Run(context.Background()))
	assert.Equal(t, CheckCritical, h.Checks()["data_dir_accessible"].Status)
}

func TestChecker_Handlers(t *testing.T) {
	m := newManager(t, map[string]bool{"a": true})
	register(t, m, "a")
	h := NewChecker(m, Config{}, zap.NewNop())
	h.Run(context.Background())

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, string(StatusUnhealthy), body["status"])

	h.SetReadiness(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
