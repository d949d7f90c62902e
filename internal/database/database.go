// Package database implements the named databases backing db:// and memdb://
// storage keys and the Manager that owns them.
//
// A database maps storage keys to versioned CRDT data. Writes are
// compare-and-swap on the version, and every write or deletion is delivered
// to the listeners registered for the key, except the client that made it.
// Databases also index the hard references held by their entries so that
// foreign reference reconciliation can find and purge them.
package database

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/storagekey"
	"github.com/devrev/replstore/internal/util"
)

// Listener receives updates for one storage key. A nil data with version 0
// means the entry was deleted.
type Listener func(data crdt.Data, version int)

// NoClient is the originator id of writes not made by a registered client.
const NoClient = 0

// Database is a named store of versioned CRDT data.
type Database interface {
	Name() string
	Persistent() bool

	// Get returns the data and version stored under key, or nil and 0.
	Get(ctx context.Context, key storagekey.StorageKey) (crdt.Data, int, error)

	// InsertOrUpdate stores data iff version == current+1. It reports
	// whether the write was accepted and the version after the call.
	// Listeners other than originator are notified of accepted writes.
	InsertOrUpdate(ctx context.Context, key storagekey.StorageKey, data crdt.Data, version int, originator int) (bool, int, error)

	// Delete removes the entry for key and notifies its listeners.
	Delete(ctx context.Context, key storagekey.StorageKey, originator int) error

	// AddClient registers l for updates to key and returns its client id.
	AddClient(key storagekey.StorageKey, l Listener) int
	RemoveClient(id int)
	// Replay delivers the stored state of key to client id, ordered with
	// the notifications of concurrent writes. An empty entry delivers
	// nothing.
	Replay(ctx context.Context, key storagekey.StorageKey, id int) error

	// AllHardReferenceIDs returns the ids of hard references held under
	// foreignKey by any entry, sorted.
	AllHardReferenceIDs(ctx context.Context, foreignKey storagekey.ForeignKey) ([]string, error)

	// RemoveHardReferences deletes every entry holding a hard reference
	// under foreignKey to one of ids. It returns the number of entries
	// deleted.
	RemoveHardReferences(ctx context.Context, foreignKey storagekey.ForeignKey, ids []string) (int, error)

	EntityCount(ctx context.Context) (int, error)
	// StorageSize returns the number of encoded data bytes stored.
	StorageSize(ctx context.Context) (int64, error)

	// Reset deletes every entry.
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Label returns the name a database is reported under: "db:<name>" for
// persistent databases, "memdb:<name>" otherwise.
func Label(name string, persistent bool) string {
	if persistent {
		return string(storagekey.ProtocolDatabase) + ":" + name
	}
	return string(storagekey.ProtocolMemoryDatabase) + ":" + name
}

// clients tracks listeners per storage key and delivers notifications in
// the order they are enqueued.
type clients struct {
	mu       sync.Mutex
	nextID   int
	byKey    map[string]map[int]Listener
	keyOf    map[int]string
	dispatch *util.Dispatcher
}

func newClients(logger *zap.Logger) *clients {
	return &clients{
		byKey:    make(map[string]map[int]Listener),
		keyOf:    make(map[int]string),
		dispatch: util.NewDispatcher(logger),
	}
}

func (c *clients) add(key string, l Listener) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.byKey[key] == nil {
		c.byKey[key] = make(map[int]Listener)
	}
	c.byKey[key][id] = l
	c.keyOf[id] = key
	return id
}

func (c *clients) remove(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keyOf[id]
	if !ok {
		return
	}
	delete(c.keyOf, id)
	delete(c.byKey[key], id)
	if len(c.byKey[key]) == 0 {
		delete(c.byKey, key)
	}
}

// enqueue schedules delivery of an update for key to every listener but
// originator. Callers hold the lock that orders writes and call drain
// after releasing it.
func (c *clients) enqueue(key string, data crdt.Data, version int, originator int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, l := range c.byKey[key] {
		id, l := id, l
		if id == originator {
			continue
		}
		c.dispatch.Enqueue(func() {
			if c.registered(id) {
				l(data, version)
			}
		})
	}
}

// enqueueTo schedules delivery of an update for key to client id alone.
// The same locking rules as enqueue apply.
func (c *clients) enqueueTo(key string, id int, data crdt.Data, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.byKey[key][id]
	if !ok {
		return
	}
	c.dispatch.Enqueue(func() {
		if c.registered(id) {
			l(data, version)
		}
	})
}

func (c *clients) registered(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keyOf[id]
	return ok
}

func (c *clients) drain() {
	c.dispatch.Drain()
}

func hardReferenceIndex(data crdt.Data) map[string][]string {
	keys := crdt.HardReferenceKeys(data)
	if len(keys) == 0 {
		return nil
	}
	index := make(map[string][]string, len(keys))
	for _, fk := range keys {
		index[fk] = crdt.HardReferenceIDs(data, fk)
	}
	return index
}
