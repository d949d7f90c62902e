// Package volatile keeps replication entries in process memory. Entries
// live as long as the Memory that holds them; the volatile provider scopes
// a Memory to one session, the ramdisk provider shares one process-wide.
package volatile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/driver"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/storagekey"
	"github.com/devrev/replstore/internal/util"
)

// Memory is a set of in-memory replication entries keyed by storage key.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *zap.Logger
}

type entry struct {
	mu       sync.Mutex
	key      storagekey.StorageKey
	data     crdt.Data
	version  int
	drivers  map[*memoryDriver]struct{}
	dispatch *util.Dispatcher
}

func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Contains reports whether an entry exists for key.
func (m *Memory) Contains(key storagekey.StorageKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key.String()]
	return ok
}

// Get returns the data and version stored for key.
func (m *Memory) Get(key storagekey.StorageKey) (crdt.Data, int, bool) {
	m.mu.Lock()
	e, ok := m.entries[key.String()]
	m.mu.Unlock()
	if !ok {
		return nil, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data, e.version, true
}

// Keys returns the serialized keys of all entries, sorted.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// attach checks exists against the entry for key, creating it if needed,
// and returns a driver attached to it.
func (m *Memory) attach(key storagekey.StorageKey, exists driver.Exists) (*memoryDriver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, present := m.entries[key.String()]
	if err := driver.CheckExists(key, exists, present); err != nil {
		return nil, err
	}
	if !present {
		e = &entry{
			key:      key,
			drivers:  make(map[*memoryDriver]struct{}),
			dispatch: util.NewDispatcher(m.logger),
		}
		m.entries[key.String()] = e
	}

	d := &memoryDriver{key: key, exists: exists, entry: e, logger: m.logger}
	e.mu.Lock()
	e.drivers[d] = struct{}{}
	e.mu.Unlock()
	return d, nil
}

type memoryDriver struct {
	key    storagekey.StorageKey
	exists driver.Exists
	entry  *entry
	logger *zap.Logger

	mu       sync.Mutex
	receiver driver.Receiver
	token    string
	closed   bool
}

func (d *memoryDriver) Key() storagekey.StorageKey { return d.key }
func (d *memoryDriver) Exists() driver.Exists      { return d.exists }

func (d *memoryDriver) Token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *memoryDriver) RegisterReceiver(token string, r driver.Receiver) {
	e := d.entry
	e.mu.Lock()
	d.mu.Lock()
	d.receiver = r
	deliver := e.data != nil && (token == "" || token != d.token)
	d.mu.Unlock()
	if deliver {
		data, version := e.data, e.version
		e.dispatch.Enqueue(func() { d.deliver(data, version) })
	}
	e.mu.Unlock()
	e.dispatch.Drain()
}

func (d *memoryDriver) Send(ctx context.Context, data crdt.Data, version int) (driver.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return driver.SendResult{}, err
	}
	if data == nil {
		return driver.SendResult{}, errors.InvalidArgument("cannot send nil data", nil)
	}

	e := d.entry
	e.mu.Lock()
	if d.isClosed() {
		e.mu.Unlock()
		return driver.SendResult{}, errors.Unavailable(fmt.Sprintf("driver for %s is closed", d.key), nil)
	}
	if e.data != nil && e.data.Kind() != data.Kind() {
		e.mu.Unlock()
		return driver.SendResult{}, errors.CrdtFailure(
			fmt.Sprintf("cannot store %s data at %s holding %s", data.Kind(), d.key, e.data.Kind()))
	}
	if version != e.version+1 {
		current := e.version
		e.mu.Unlock()
		return driver.Rejected(current), nil
	}

	e.data, e.version = data, version
	d.mu.Lock()
	d.token = uuid.NewString()
	d.mu.Unlock()
	for other := range e.drivers {
		other := other
		if other == d {
			continue
		}
		e.dispatch.Enqueue(func() { other.deliver(data, version) })
	}
	e.mu.Unlock()

	d.logger.Debug("Volatile entry updated",
		zap.String("storage_key", d.key.String()),
		zap.Int("version", version))
	e.dispatch.Drain()
	return driver.Accepted(version), nil
}

func (d *memoryDriver) deliver(data crdt.Data, version int) {
	d.mu.Lock()
	if d.closed || d.receiver == nil {
		d.mu.Unlock()
		return
	}
	r := d.receiver
	d.token = uuid.NewString()
	d.mu.Unlock()
	r(data, version)
}

func (d *memoryDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *memoryDriver) Close() error {
	e := d.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.receiver = nil
	delete(e.drivers, d)
	return nil
}
