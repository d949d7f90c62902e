package database

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/literal"
	"github.com/devrev/replstore/internal/storagekey"
)

//go:embed schema.sql
var schemaSQL string

// deleteBatchSize bounds the ids bound into one statement, well under
// SQLITE_MAX_VARIABLE_NUMBER.
var deleteBatchSize = 500

// SQLite is a persistent Database stored in a single SQLite file.
//
// Writes are serialized by writeMu so that listener notifications are
// enqueued in commit order.
type SQLite struct {
	name    string
	path    string
	db      *sql.DB
	writeMu sync.Mutex
	clients *clients
	logger  *zap.Logger
}

// OpenSQLite creates or opens the database file at path.
//
// The connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout
//   - foreign key enforcement, used to cascade hard reference rows
func OpenSQLite(name, path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.DatabaseFailure(Label(name, true), fmt.Errorf("open %s: %w", path, err))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.DatabaseFailure(Label(name, true), fmt.Errorf("connect %s: %w", path, err))
	}

	// SQLite has a single writer; one connection also keeps pragmas applied.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, errors.DatabaseFailure(Label(name, true), err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.DatabaseFailure(Label(name, true), fmt.Errorf("apply schema: %w", err))
	}

	logger = logger.With(zap.String("database", Label(name, true)))
	logger.Info("Opened SQLite database", zap.String("path", path))
	return &SQLite{
		name:    name,
		path:    path,
		db:      db,
		clients: newClients(logger),
		logger:  logger,
	}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) Name() string     { return s.name }
func (s *SQLite) Persistent() bool { return true }
func (s *SQLite) Path() string     { return s.path }

func (s *SQLite) fail(op string, err error) error {
	if errors.IsStoreError(err) || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.DatabaseFailure(Label(s.name, true), fmt.Errorf("%s: %w", op, err))
}

func (s *SQLite) Get(ctx context.Context, key storagekey.StorageKey) (crdt.Data, int, error) {
	var (
		raw     []byte
		version int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM entries WHERE storage_key = ?`, key.String()).Scan(&raw, &version)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, s.fail("get", err)
	}
	data, err := literal.Decode(raw)
	if err != nil {
		return nil, 0, err
	}
	return data, version, nil
}

func (s *SQLite) InsertOrUpdate(ctx context.Context, key storagekey.StorageKey, data crdt.Data, version int, originator int) (bool, int, error) {
	if data == nil {
		return false, 0, errors.InvalidArgument("cannot store nil data", nil)
	}
	raw, err := literal.Encode(data)
	if err != nil {
		return false, 0, err
	}
	k := key.String()

	s.writeMu.Lock()
	accepted, current, err := s.compareAndStore(ctx, k, data, raw, version)
	if err == nil && accepted {
		s.clients.enqueue(k, data, version, originator)
	}
	s.writeMu.Unlock()

	if err != nil {
		return false, current, err
	}
	s.clients.drain()
	return accepted, current, nil
}

func (s *SQLite) compareAndStore(ctx context.Context, k string, data crdt.Data, raw []byte, version int) (bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, s.fail("begin", err)
	}
	defer tx.Rollback()

	var (
		kind    string
		current int
		exists  = true
	)
	err = tx.QueryRowContext(ctx, `SELECT kind, version FROM entries WHERE storage_key = ?`, k).Scan(&kind, &current)
	if stderrors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, 0, s.fail("read version", err)
	}
	if exists && crdt.Kind(kind) != data.Kind() {
		return false, current, errors.CrdtFailure(
			fmt.Sprintf("cannot store %s data at %s holding %s", data.Kind(), k, kind))
	}
	if version != current+1 {
		return false, current, nil
	}

	now := time.Now().UnixMilli()
	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE entries SET data = ?, version = ?, updated_at = ? WHERE storage_key = ?`,
			raw, version, now, k)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (storage_key, kind, version, data, updated_at) VALUES (?, ?, ?, ?, ?)`,
			k, string(data.Kind()), version, raw, now)
	}
	if err != nil {
		return false, current, s.fail("store entry", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM hard_refs WHERE storage_key = ?`, k); err != nil {
		return false, current, s.fail("clear hard references", err)
	}
	for fk, ids := range hardReferenceIndex(data) {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO hard_refs (storage_key, foreign_key, ref_id) VALUES (?, ?, ?)`,
				k, fk, id); err != nil {
				return false, current, s.fail("index hard reference", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, current, s.fail("commit", err)
	}
	return true, version, nil
}

func (s *SQLite) Delete(ctx context.Context, key storagekey.StorageKey, originator int) error {
	k := key.String()
	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE storage_key = ?`, k)
	if err == nil {
		if n, _ := res.RowsAffected(); n > 0 {
			s.clients.enqueue(k, nil, 0, originator)
		}
	}
	s.writeMu.Unlock()

	if err != nil {
		return s.fail("delete", err)
	}
	s.clients.drain()
	return nil
}

func (s *SQLite) AddClient(key storagekey.StorageKey, l Listener) int {
	return s.clients.add(key.String(), l)
}

func (s *SQLite) RemoveClient(id int) {
	s.clients.remove(id)
}

func (s *SQLite) Replay(ctx context.Context, key storagekey.StorageKey, id int) error {
	k := key.String()
	s.writeMu.Lock()
	data, version, err := s.Get(ctx, key)
	if err == nil && data != nil {
		s.clients.enqueueTo(k, id, data, version)
	}
	s.writeMu.Unlock()

	if err != nil {
		return err
	}
	s.clients.drain()
	return nil
}

func (s *SQLite) AllHardReferenceIDs(ctx context.Context, foreignKey storagekey.ForeignKey) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ref_id FROM hard_refs WHERE foreign_key = ? ORDER BY ref_id`, foreignKey.String())
	if err != nil {
		return nil, s.fail("list hard references", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.fail("scan hard reference", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list hard references", err)
	}
	return ids, nil
}

func (s *SQLite) RemoveHardReferences(ctx context.Context, foreignKey storagekey.ForeignKey, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	fk := foreignKey.String()

	s.writeMu.Lock()
	doomed, err := s.deleteReferencing(ctx, fk, ids)
	if err == nil {
		for _, k := range doomed {
			s.clients.enqueue(k, nil, 0, NoClient)
		}
	}
	s.writeMu.Unlock()

	if err != nil {
		return 0, err
	}
	s.clients.drain()
	if len(doomed) > 0 {
		s.logger.Debug("Removed entries holding hard references",
			zap.String("foreign_key", fk),
			zap.Strings("ids", ids),
			zap.Int("entries", len(doomed)))
	}
	return len(doomed), nil
}

func (s *SQLite) deleteReferencing(ctx context.Context, fk string, ids []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail("begin", err)
	}
	defer tx.Rollback()

	seen := make(map[string]struct{})
	var doomed []string
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		keys, err := referencingKeys(ctx, tx, fk, ids[start:end])
		if err != nil {
			return nil, s.fail("find referencing entries", err)
		}
		for _, k := range keys {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				doomed = append(doomed, k)
			}
		}
	}
	sort.Strings(doomed)

	for _, k := range doomed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE storage_key = ?`, k); err != nil {
			return nil, s.fail("delete referencing entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail("commit", err)
	}
	return doomed, nil
}

// referencingKeys returns the keys of entries holding a hard reference
// under fk to one of ids.
func referencingKeys(ctx context.Context, tx *sql.Tx, fk string, ids []string) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, fk)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT storage_key FROM hard_refs WHERE foreign_key = ? AND ref_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLite) EntityCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, s.fail("count entries", err)
	}
	return n, nil
}

func (s *SQLite) StorageSize(ctx context.Context) (int64, error) {
	var size int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(data)), 0) FROM entries`).Scan(&size); err != nil {
		return 0, s.fail("storage size", err)
	}
	return size, nil
}

func (s *SQLite) Reset(ctx context.Context) error {
	s.writeMu.Lock()
	keys, err := s.deleteAll(ctx)
	if err == nil {
		for _, k := range keys {
			s.clients.enqueue(k, nil, 0, NoClient)
		}
	}
	s.writeMu.Unlock()

	if err != nil {
		return err
	}
	s.clients.drain()
	return nil
}

func (s *SQLite) deleteAll(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail("begin", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT storage_key FROM entries ORDER BY storage_key`)
	if err != nil {
		return nil, s.fail("list entries", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, s.fail("scan entry", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, s.fail("list entries", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return nil, s.fail("delete entries", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail("commit", err)
	}
	return keys, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
