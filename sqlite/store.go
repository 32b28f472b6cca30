package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
)

const (
	tableName = "jobqueue_checkpoints"

	sqliteSchema = `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
k TEXT PRIMARY KEY,
v BLOB,
last_mod INTEGER);`

	sqliteIndex = `CREATE INDEX IF NOT EXISTS ix_checkpoints_last_mod ON ` + tableName + ` (last_mod);`
)

// Store is a SQLite-based storage backend for job checkpoints. It
// implements the jobqueue.Store interface and needs no external
// server, which makes it a good fit for single-process deployments.
//
// The driver is modernc.org/sqlite, so the store is pure Go and works
// without cgo. Writes are serialized over a single connection.
type Store struct {
	db     *sql.DB
	debug  bool
	logger jobqueue.Logger
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore opens (and if necessary creates) the SQLite database at
// path and prepares the checkpoint table. Use ":memory:" for an
// ephemeral store.
func NewStore(path string, options ...StoreOption) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: no database path specified")
	}
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps an in-memory
	// database alive across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	// Create schema
	for _, stmt := range []string{sqliteSchema, sqliteIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	st.db = db
	return st, nil
}

// SetDebug indicates whether to enable or disable debugging (which will
// output SQL to the logger).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

// SetLogger sets the logger used for debug output. Defaults to the
// standard log package.
func SetLogger(logger jobqueue.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func (s *Store) logf(format string, v ...interface{}) {
	if !s.debug {
		return
	}
	if s.logger != nil {
		s.logger.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

func (s *Store) wrapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return jobqueue.ErrNotFound
	}
	return err
}

// Start is called when the queue starts up. It verifies the database
// is reachable. Stale checkpoints are not touched here: the queue
// rewrites their state during recovery.
func (s *Store) Start() error {
	return s.db.Ping()
}

// Close the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores the value under key, overwriting an earlier value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	query, args, err := sq.Insert(tableName).
		Columns("k", "v", "last_mod").
		Values(key, value, time.Now().UnixNano()).
		Suffix("ON CONFLICT(k) DO UPDATE SET v = excluded.v, last_mod = excluded.last_mod").
		ToSql()
	if err != nil {
		return err
	}
	s.logf("sqlite: %s %v", query, args)
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// Get returns the value stored under key, or jobqueue.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	query, args, err := sq.Select("v").
		From(tableName).
		Where(sq.Eq{"k": key}).
		ToSql()
	if err != nil {
		return nil, err
	}
	s.logf("sqlite: %s %v", query, args)
	var value []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return value, nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	query, args, err := sq.Delete(tableName).
		Where(sq.Eq{"k": key}).
		ToSql()
	if err != nil {
		return err
	}
	s.logf("sqlite: %s %v", query, args)
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// Keys returns all keys starting with prefix, in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	// SQLite's LIKE has no default escape character, so one has to be
	// declared for the escaped pattern to work.
	query, args, err := sq.Select("k").
		From(tableName).
		Where(sq.Expr(`k LIKE ? ESCAPE '\'`, likePattern(prefix))).
		OrderBy("k").
		ToSql()
	if err != nil {
		return nil, err
	}
	s.logf("sqlite: %s %v", query, args)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// likePattern turns a literal prefix into a LIKE pattern, escaping the
// LIKE wildcards that may appear in checkpoint keys.
func likePattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
