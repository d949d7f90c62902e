// Package dbdriver serves db:// and memdb:// storage keys from the databases
// owned by a database.Manager.
package dbdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/database"
	"github.com/devrev/replstore/internal/driver"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/metrics"
	"github.com/devrev/replstore/internal/storagekey"
)

// Provider resolves database keys against a Manager. The named database is
// created on first use.
type Provider struct {
	manager *database.Manager
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewProvider(manager *database.Manager, logger *zap.Logger, m *metrics.Metrics) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{manager: manager, logger: logger, metrics: m}
}

func (p *Provider) Name() string { return "database" }

func (p *Provider) WillSupport(key storagekey.StorageKey) bool {
	_, ok := key.(storagekey.DatabaseKey)
	return ok
}

func (p *Provider) Driver(ctx context.Context, key storagekey.StorageKey, exists driver.Exists) (driver.Driver, error) {
	k, ok := key.(storagekey.DatabaseKey)
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("database provider does not serve %s", key), nil)
	}
	db, err := p.manager.GetDatabase(k.DBName, k.Persistent)
	if err != nil {
		return nil, err
	}
	data, _, err := db.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	if err := driver.CheckExists(k, exists, data != nil); err != nil {
		return nil, err
	}

	d := &dbDriver{
		key:     k,
		exists:  exists,
		db:      db,
		label:   database.Label(k.DBName, k.Persistent),
		logger:  p.logger,
		metrics: p.metrics,
	}
	d.clientID = db.AddClient(k, d.onUpdate)
	return d, nil
}

type dbDriver struct {
	key      storagekey.DatabaseKey
	exists   driver.Exists
	db       database.Database
	label    string
	clientID int
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	receiver driver.Receiver
	gate     driver.VersionGate
	token    string
	closed   bool
}

func (d *dbDriver) Key() storagekey.StorageKey { return d.key }
func (d *dbDriver) Exists() driver.Exists      { return d.exists }

func (d *dbDriver) Token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

// RegisterReceiver installs r and hands it the stored data unless token
// shows the caller already holds it. The stored data is replayed through
// the database so that it is ordered with concurrent writes.
func (d *dbDriver) RegisterReceiver(token string, r driver.Receiver) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.receiver = r
	current := token != "" && token == d.token
	if !current {
		d.gate.Reset()
	}
	d.mu.Unlock()
	if current {
		return
	}

	if err := d.db.Replay(context.Background(), d.key, d.clientID); err != nil {
		d.logger.Warn("Failed to load initial data",
			zap.String("storage_key", d.key.String()),
			zap.Error(err))
	}
}

func (d *dbDriver) onUpdate(data crdt.Data, version int) {
	d.mu.Lock()
	if d.closed || d.receiver == nil || !d.gate.Admit(version) {
		d.mu.Unlock()
		return
	}
	r := d.receiver
	d.token = uuid.NewString()
	d.mu.Unlock()
	r(data, version)
}

func (d *dbDriver) Send(ctx context.Context, data crdt.Data, version int) (driver.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return driver.SendResult{}, err
	}
	if data == nil {
		return driver.SendResult{}, errors.InvalidArgument("cannot send nil data", nil)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return driver.SendResult{}, errors.Unavailable(fmt.Sprintf("driver for %s is closed", d.key), nil)
	}

	ok, current, err := d.db.InsertOrUpdate(ctx, d.key, data, version, d.clientID)
	if err != nil {
		d.metrics.RecordDatabaseWrite(d.label, "error")
		return driver.SendResult{}, err
	}
	if !ok {
		d.metrics.RecordDatabaseWrite(d.label, "rejected")
		return driver.Rejected(current), nil
	}

	d.mu.Lock()
	d.token = uuid.NewString()
	d.mu.Unlock()
	d.metrics.RecordDatabaseWrite(d.label, "accepted")
	return driver.Accepted(version), nil
}

func (d *dbDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.receiver = nil
	d.mu.Unlock()
	d.db.RemoveClient(d.clientID)
	return nil
}
