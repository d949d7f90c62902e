package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/literal"
	"github.com/devrev/replstore/internal/storagekey"
)

type memoryRecord struct {
	kind    crdt.Kind
	raw     []byte
	version int
	refs    map[string][]string
}

// Memory is a Database held in process memory. Entries are kept encoded so
// that sizes and corruption checks match the persistent implementation.
type Memory struct {
	name    string
	mu      sync.Mutex
	records map[string]*memoryRecord
	closed  bool
	clients *clients
	logger  *zap.Logger
}

// NewMemory creates an empty in-memory database.
func NewMemory(name string, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		name:    name,
		records: make(map[string]*memoryRecord),
		clients: newClients(logger),
		logger:  logger.With(zap.String("database", Label(name, false))),
	}
}

func (m *Memory) Name() string     { return m.name }
func (m *Memory) Persistent() bool { return false }

func (m *Memory) checkOpen() error {
	if m.closed {
		return errors.Unavailable(fmt.Sprintf("database %s is closed", Label(m.name, false)), nil)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key storagekey.StorageKey) (crdt.Data, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return nil, 0, err
	}
	rec, ok := m.records[key.String()]
	m.mu.Unlock()
	if !ok {
		return nil, 0, nil
	}
	data, err := literal.Decode(rec.raw)
	if err != nil {
		return nil, 0, err
	}
	return data, rec.version, nil
}

func (m *Memory) InsertOrUpdate(ctx context.Context, key storagekey.StorageKey, data crdt.Data, version int, originator int) (bool, int, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	if data == nil {
		return false, 0, errors.InvalidArgument("cannot store nil data", nil)
	}
	raw, err := literal.Encode(data)
	if err != nil {
		return false, 0, err
	}

	k := key.String()
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return false, 0, err
	}
	current := 0
	if rec, ok := m.records[k]; ok {
		if rec.kind != data.Kind() {
			m.mu.Unlock()
			return false, rec.version, errors.CrdtFailure(
				fmt.Sprintf("cannot store %s data at %s holding %s", data.Kind(), k, rec.kind))
		}
		current = rec.version
	}
	if version != current+1 {
		m.mu.Unlock()
		return false, current, nil
	}
	m.records[k] = &memoryRecord{
		kind:    data.Kind(),
		raw:     raw,
		version: version,
		refs:    hardReferenceIndex(data),
	}
	m.clients.enqueue(k, data, version, originator)
	m.mu.Unlock()

	m.clients.drain()
	return true, version, nil
}

func (m *Memory) Delete(ctx context.Context, key storagekey.StorageKey, originator int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.deleteLocked(key.String(), originator)
	m.mu.Unlock()

	m.clients.drain()
	return nil
}

func (m *Memory) deleteLocked(k string, originator int) bool {
	if _, ok := m.records[k]; !ok {
		return false
	}
	delete(m.records, k)
	m.clients.enqueue(k, nil, 0, originator)
	return true
}

func (m *Memory) AddClient(key storagekey.StorageKey, l Listener) int {
	return m.clients.add(key.String(), l)
}

func (m *Memory) RemoveClient(id int) {
	m.clients.remove(id)
}

func (m *Memory) Replay(ctx context.Context, key storagekey.StorageKey, id int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := key.String()
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	rec, ok := m.records[k]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	data, err := literal.Decode(rec.raw)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.clients.enqueueTo(k, id, data, rec.version)
	m.mu.Unlock()

	m.clients.drain()
	return nil
}

func (m *Memory) AllHardReferenceIDs(ctx context.Context, foreignKey storagekey.ForeignKey) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fk := foreignKey.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, rec := range m.records {
		for _, id := range rec.refs[fk] {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) RemoveHardReferences(ctx context.Context, foreignKey storagekey.ForeignKey, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	targets := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		targets[id] = struct{}{}
	}
	fk := foreignKey.String()

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	var doomed []string
	for k, rec := range m.records {
		for _, id := range rec.refs[fk] {
			if _, ok := targets[id]; ok {
				doomed = append(doomed, k)
				break
			}
		}
	}
	sort.Strings(doomed)
	for _, k := range doomed {
		m.deleteLocked(k, NoClient)
	}
	m.mu.Unlock()

	m.clients.drain()
	if len(doomed) > 0 {
		m.logger.Debug("Removed entries holding hard references",
			zap.String("foreign_key", fk),
			zap.Strings("ids", ids),
			zap.Int("entries", len(doomed)))
	}
	return len(doomed), nil
}

func (m *Memory) EntityCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return len(m.records), nil
}

func (m *Memory) StorageSize(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	var size int64
	for _, rec := range m.records {
		size += int64(len(rec.raw))
	}
	return size, nil
}

func (m *Memory) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.deleteLocked(k, NoClient)
	}
	m.mu.Unlock()

	m.clients.drain()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkOpen()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
