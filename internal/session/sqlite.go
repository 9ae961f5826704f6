package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS relay_queue (
	session    TEXT    NOT NULL,
	namespace  TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (session, namespace, id)
);
CREATE INDEX IF NOT EXISTS relay_queue_updated ON relay_queue (updated_at);`

type SQLiteConfig struct {
	// Path of the database file; created when missing.
	Path     string
	PoolSize int
	Logger   *slog.Logger
	Now      func() time.Time
}

// SQLiteBackend shares relay queues between processes serving the same
// sessions. Each queue is one row, rewritten whole on every change.
type SQLiteBackend struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
	now    func() time.Time
}

func OpenSQLite(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite session backend: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite session backend: opening %s: %w", cfg.Path, err)
	}
	logger.Info("sqlite session backend opened", "path", cfg.Path, "pool_size", poolSize)
	return &SQLiteBackend{pool: pool, logger: logger, path: cfg.Path, now: now}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
}

func (b *SQLiteBackend) ForSession(id string) Store {
	if b == nil || id == "" {
		return Inactive()
	}
	return &sqliteStore{backend: b, session: id}
}

func (b *SQLiteBackend) ReapIdle(ctx context.Context, before time.Time) (int, error) {
	if b == nil {
		return 0, nil
	}
	conn, err := b.take(ctx)
	if err != nil {
		return 0, err
	}
	defer b.put(conn)
	err = sqlitex.Execute(conn, `DELETE FROM relay_queue WHERE updated_at < ?`, &sqlitex.ExecOptions{
		Args: []any{before.UnixNano()},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite session backend: reap: %w", err)
	}
	return conn.Changes(), nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil {
		return nil
	}
	if err := b.pool.Close(); err != nil {
		b.logger.Error("sqlite session backend close error", "path", b.path, "error", err)
		return fmt.Errorf("sqlite session backend: closing %s: %w", b.path, err)
	}
	b.logger.Info("sqlite session backend closed", "path", b.path)
	return nil
}

func (b *SQLiteBackend) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite session backend: take: %w", err)
	}
	conn.SetInterrupt(ctx.Done())
	return conn, nil
}

func (b *SQLiteBackend) put(conn *sqlite.Conn) {
	conn.SetInterrupt(nil)
	b.pool.Put(conn)
}

type sqliteStore struct {
	backend *SQLiteBackend
	session string
}

func (s *sqliteStore) IsActive() bool { return true }

func (s *sqliteStore) HasHistoryManagement() bool { return false }

func (s *sqliteStore) Get(ctx context.Context, key Key) ([]Entry, error) {
	conn, err := s.backend.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.backend.put(conn)
	return s.load(conn, key)
}

func (s *sqliteStore) Set(ctx context.Context, key Key, queue []Entry) error {
	conn, err := s.backend.take(ctx)
	if err != nil {
		return err
	}
	defer s.backend.put(conn)
	return s.save(conn, key, queue)
}

func (s *sqliteStore) Append(ctx context.Context, key Key, entry Entry) error {
	return s.rewrite(ctx, key, func(queue []Entry) []Entry {
		return append(queue, entry)
	})
}

func (s *sqliteStore) Delete(ctx context.Context, key Key, match func(Entry) bool) error {
	if match == nil {
		return nil
	}
	return s.rewrite(ctx, key, func(queue []Entry) []Entry {
		kept := make([]Entry, 0, len(queue))
		for _, entry := range queue {
			if !match(entry) {
				kept = append(kept, entry)
			}
		}
		return kept
	})
}

func (s *sqliteStore) Clear(ctx context.Context, key Key) error {
	conn, err := s.backend.take(ctx)
	if err != nil {
		return err
	}
	defer s.backend.put(conn)
	return s.remove(conn, key)
}

func (s *sqliteStore) Take(ctx context.Context, key Key) (queue []Entry, err error) {
	conn, err := s.backend.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.backend.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite session backend: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	queue, err = s.load(conn, key)
	if err != nil || len(queue) == 0 {
		return nil, err
	}
	if err = s.remove(conn, key); err != nil {
		return nil, err
	}
	return queue, nil
}

func (s *sqliteStore) Children(ctx context.Context, namespace string) ([]Key, error) {
	conn, err := s.backend.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.backend.put(conn)

	var keys []Key
	err = sqlitex.Execute(conn,
		`SELECT id FROM relay_queue WHERE session = ? AND namespace = ? AND id != '' ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{s.session, namespace},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, Key{Namespace: namespace, ID: stmt.ColumnText(0)})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite session backend: children %s: %w", namespace, err)
	}
	return keys, nil
}

func (s *sqliteStore) rewrite(ctx context.Context, key Key, mutate func([]Entry) []Entry) (err error) {
	conn, err := s.backend.take(ctx)
	if err != nil {
		return err
	}
	defer s.backend.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite session backend: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	queue, err := s.load(conn, key)
	if err != nil {
		return err
	}
	return s.save(conn, key, mutate(queue))
}

func (s *sqliteStore) load(conn *sqlite.Conn, key Key) ([]Entry, error) {
	var blob []byte
	err := sqlitex.Execute(conn,
		`SELECT payload FROM relay_queue WHERE session = ? AND namespace = ? AND id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.session, key.Namespace, key.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite session backend: get %s: %w", key, err)
	}
	return decodeQueue(blob)
}

func (s *sqliteStore) save(conn *sqlite.Conn, key Key, queue []Entry) error {
	if len(queue) == 0 {
		return s.remove(conn, key)
	}
	blob, err := encodeQueue(queue)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO relay_queue (session, namespace, id, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session, namespace, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{s.session, key.Namespace, key.ID, blob, s.backend.now().UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("sqlite session backend: set %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) remove(conn *sqlite.Conn, key Key) error {
	err := sqlitex.Execute(conn,
		`DELETE FROM relay_queue WHERE session = ? AND namespace = ? AND id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.session, key.Namespace, key.ID},
		})
	if err != nil {
		return fmt.Errorf("sqlite session backend: clear %s: %w", key, err)
	}
	return nil
}
