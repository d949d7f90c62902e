package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/storagekey"
)

var person = storagekey.NewForeignKey("Person")

type update struct {
	data    crdt.Data
	version int
}

type listener struct {
	mu  sync.Mutex
	got []update
}

func (l *listener) on(data crdt.Data, version int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, update{data, version})
}

func (l *listener) updates() []update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]update(nil), l.got...)
}

func friends(t *testing.T, ids ...string) crdt.SetData {
	t.Helper()
	d := crdt.NewSetData()
	for i, id := range ids {
		var ok bool
		d, ok = d.Apply(crdt.SetAdd{Actor: "a", Clock: crdt.VersionMap{"a": int64(i + 1)}, Value: crdt.HardRef(id, person.String())})
		require.True(t, ok)
	}
	return d
}

func entityKey(unique string) storagekey.StorageKey {
	return storagekey.MemoryKey(unique, "abc123", "main")
}

type opener func(t *testing.T) Database

func openers() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) Database {
			return NewMemory("main", zap.NewNop())
		},
		"sqlite": func(t *testing.T) Database {
			db, err := OpenSQLite("main", filepath.Join(t.TempDir(), "main.sqlite"), zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return db
		},
	}
}

func forEachDatabase(t *testing.T, fn func(t *testing.T, db Database)) {
	for name, open := range openers() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestDatabase_InsertOrUpdate(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		key := entityKey("e1")

		data, version, err := db.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, data)
		assert.Zero(t, version)

		ok, current, err := db.InsertOrUpdate(ctx, key, friends(t, "id1"), 2, NoClient)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, current)

		ok, current, err = db.InsertOrUpdate(ctx, key, friends(t, "id1"), 1, NoClient)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, current)

		ok, current, err = db.InsertOrUpdate(ctx, key, friends(t, "id1", "id2"), 1, NoClient)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, current)

		ok, _, err = db.InsertOrUpdate(ctx, key, friends(t, "id1", "id2"), 2, NoClient)
		require.NoError(t, err)
		assert.True(t, ok)

		data, version, err = db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, version)
		assert.True(t, crdt.EqualData(friends(t, "id1", "id2"), data))

		_, _, err = db.InsertOrUpdate(ctx, key, crdt.NewCountData(), 3, NoClient)
		assert.Equal(t, errors.ErrCodeCrdtFailure, errors.GetCode(err))

		_, _, err = db.InsertOrUpdate(ctx, key, nil, 3, NoClient)
		assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
	})
}

func TestDatabase_Listeners(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		key := entityKey("e1")

		writer, reader, bystander := &listener{}, &listener{}, &listener{}
		writerID := db.AddClient(key, writer.on)
		db.AddClient(key, reader.on)
		db.AddClient(entityKey("other"), bystander.on)

		for v := 1; v <= 3; v++ {
			ok, _, err := db.InsertOrUpdate(ctx, key, friends(t, "id1"), v, writerID)
			require.NoError(t, err)
			require.True(t, ok)
		}

		assert.Empty(t, writer.updates(), "originator is not notified")
		assert.Empty(t, bystander.updates())
		got := reader.updates()
		require.Len(t, got, 3)
		for i, u := range got {
			assert.Equal(t, i+1, u.version)
		}

		require.NoError(t, db.Delete(ctx, key, NoClient))
		got = reader.updates()
		require.Len(t, got, 4)
		assert.Nil(t, got[3].data)
		assert.Zero(t, got[3].version)
		assert.Len(t, writer.updates(), 1)

		data, version, err := db.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, data)
		assert.Zero(t, version)

		db.RemoveClient(writerID)
		ok, _, err := db.InsertOrUpdate(ctx, key, friends(t, "id1"), 1, NoClient)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, writer.updates(), 1)
		assert.Len(t, reader.updates(), 5)
	})
}

func TestDatabase_HardReferences(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		e1, e2, e3 := entityKey("e1"), entityKey("e2"), entityKey("e3")

		for key, data := range map[storagekey.StorageKey]crdt.Data{
			e1: friends(t, "id1"),
			e2: friends(t, "id1", "id2"),
			e3: friends(t, "id3"),
		} {
			ok, _, err := db.InsertOrUpdate(ctx, key, data, 1, NoClient)
			require.NoError(t, err)
			require.True(t, ok)
		}

		ids, err := db.AllHardReferenceIDs(ctx, person)
		require.NoError(t, err)
		assert.Equal(t, []string{"id1", "id2", "id3"}, ids)

		ids, err = db.AllHardReferenceIDs(ctx, storagekey.NewForeignKey("Other"))
		require.NoError(t, err)
		assert.Empty(t, ids)

		watcher := &listener{}
		db.AddClient(e2, watcher.on)

		n, err := db.RemoveHardReferences(ctx, person, []string{"id2"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.Len(t, watcher.updates(), 1)
		assert.Nil(t, watcher.updates()[0].data)

		ids, err = db.AllHardReferenceIDs(ctx, person)
		require.NoError(t, err)
		assert.Equal(t, []string{"id1", "id3"}, ids)

		n, err = db.RemoveHardReferences(ctx, person, []string{"id2"})
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = db.RemoveHardReferences(ctx, person, nil)
		require.NoError(t, err)
		assert.Zero(t, n)

		count, err := db.EntityCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		// Rewriting an entry re-indexes its references.
		ok, _, err := db.InsertOrUpdate(ctx, e3, friends(t, "id4"), 2, NoClient)
		require.NoError(t, err)
		require.True(t, ok)
		ids, err = db.AllHardReferenceIDs(ctx, person)
		require.NoError(t, err)
		assert.Equal(t, []string{"id1", "id4"}, ids)
	})
}

func TestDatabase_ResetAndSize(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db Database) {
		ctx := context.Background()

		size, err := db.StorageSize(ctx)
		require.NoError(t, err)
		assert.Zero(t, size)

		for _, unique := range []string{"a", "b"} {
			ok, _, err := db.InsertOrUpdate(ctx, entityKey(unique), friends(t, "id1"), 1, NoClient)
			require.NoError(t, err)
			require.True(t, ok)
		}
		size, err = db.StorageSize(ctx)
		require.NoError(t, err)
		assert.Positive(t, size)

		watcher := &listener{}
		db.AddClient(entityKey("a"), watcher.on)
		require.NoError(t, db.Reset(ctx))
		require.Len(t, watcher.updates(), 1)

		count, err := db.EntityCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
		ids, err := db.AllHardReferenceIDs(ctx, person)
		require.NoError(t, err)
		assert.Empty(t, ids)

		assert.NoError(t, db.Ping(ctx))
	})
}

func TestDatabase_ListenerMayWrite(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		key := entityKey("echo")

		var echoed int
		var echoID int
		echoID = db.AddClient(key, func(data crdt.Data, version int) {
			if data == nil || echoed > 0 {
				return
			}
			echoed = version
			ok, _, err := db.InsertOrUpdate(ctx, key, data, version+1, echoID)
			assert.NoError(t, err)
			assert.True(t, ok)
		})

		ok, _, err := db.InsertOrUpdate(ctx, key, friends(t, "id1"), 1, NoClient)
		require.NoError(t, err)
		require.True(t, ok)

		assert.Equal(t, 1, echoed)
		_, version, err := db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, version)
	})
}

func TestMemory_Closed(t *testing.T) {
	db := NewMemory("main", nil)
	require.NoError(t, db.Close())

	ctx := context.Background()
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(db.Ping(ctx)))
	_, _, err := db.InsertOrUpdate(ctx, entityKey("x"), friends(t, "id1"), 1, NoClient)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))
}

func TestSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "main.sqlite")

	db, err := OpenSQLite("main", path, zap.NewNop())
	require.NoError(t, err)
	ok, _, err := db.InsertOrUpdate(ctx, entityKey("e1"), friends(t, "id1"), 1, NoClient)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.Close())

	db, err = OpenSQLite("main", path, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	data, version, err := db.Get(ctx, entityKey("e1"))
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.True(t, crdt.EqualData(friends(t, "id1"), data))

	ids, err := db.AllHardReferenceIDs(ctx, person)
	require.NoError(t, err)
	assert.Equal(t, []string{"id1"}, ids)
}

func TestSQLite_CorruptedData(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite("main", filepath.Join(t.TempDir(), "main.sqlite"), zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.db.ExecContext(ctx,
		`INSERT INTO entries (storage_key, kind, version, data, updated_at) VALUES (?, 'set', 1, ?, 0)`,
		entityKey("bad").String(), []byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	_, _, err = db.Get(ctx, entityKey("bad"))
	assert.Equal(t, errors.ErrCodeCorruptedData, errors.GetCode(err))
}

func TestDatabase_Replay(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		key := entityKey("e1")

		target, other, elsewhere := &listener{}, &listener{}, &listener{}
		targetID := db.AddClient(key, target.on)
		db.AddClient(key, other.on)
		elsewhereID := db.AddClient(entityKey("e2"), elsewhere.on)

		require.NoError(t, db.Replay(ctx, key, targetID))
		assert.Empty(t, target.updates(), "empty entry delivers nothing")

		ok, _, err := db.InsertOrUpdate(ctx, key, friends(t, "id1"), 1, targetID)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, db.Replay(ctx, key, targetID))
		got := target.updates()
		require.Len(t, got, 1)
		assert.Equal(t, 1, got[0].version)
		assert.True(t, crdt.EqualData(friends(t, "id1"), got[0].data))
		assert.Len(t, other.updates(), 1, "only the write reaches other clients")

		require.NoError(t, db.Replay(ctx, key, elsewhereID))
		assert.Empty(t, elsewhere.updates(), "client registered for another key")

		db.RemoveClient(targetID)
		require.NoError(t, db.Replay(ctx, key, targetID))
		assert.Len(t, target.updates(), 1)
	})
}

func TestSQLite_RemoveHardReferencesInBatches(t *testing.T) {
	saved := deleteBatchSize
	deleteBatchSize = 2
	t.Cleanup(func() { deleteBatchSize = saved })

	ctx := context.Background()
	db, err := OpenSQLite("main", filepath.Join(t.TempDir(), "main.sqlite"), zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	for key, data := range map[storagekey.StorageKey]crdt.Data{
		entityKey("e1"): friends(t, "id1"),
		entityKey("e2"): friends(t, "id2", "id5"),
		entityKey("e3"): friends(t, "id3"),
		entityKey("e4"): friends(t, "id9"),
	} {
		ok, _, err := db.InsertOrUpdate(ctx, key, data, 1, NoClient)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// e2 matches in two different batches and is removed once.
	n, err := db.RemoveHardReferences(ctx, person, []string{"id1", "id2", "id3", "id4", "id5"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ids, err := db.AllHardReferenceIDs(ctx, person)
	require.NoError(t, err)
	assert.Equal(t, []string{"id9"}, ids)
	count, err := db.EntityCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
