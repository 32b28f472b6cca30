package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/mysql/internal"
)

const (
	tableName = "jobqueue_checkpoints"

	mysqlSchema = `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
k varchar(255) primary key,
v mediumblob,
last_mod bigint,
index ix_checkpoints_last_mod (last_mod));`
)

// Store is a persistent MySQL storage backend for job checkpoints.
// It implements the jobqueue.Store interface.
//
// Checkpoint writes are retried on deadlocks and lock wait timeouts
// with exponential backoff.
type Store struct {
	db     *sql.DB
	debug  bool
	logger jobqueue.Logger
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new MySQL-based storage. The database named
// in the connection string is created if it does not exist yet, as is
// the checkpoint table.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}
	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}

	// Create schema
	_, err = st.db.Exec(mysqlSchema)
	if err != nil {
		return nil, err
	}

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
	if internal.IsNotFound(err) {
		return jobqueue.ErrNotFound
	}
	return err
}

// retryable reports whether the statement that failed with err is
// worth running again.
func retryable(err error) bool {
	return internal.IsDeadlock(err) || internal.IsLockWaitTimeout(err)
}

func (s *Store) runWithRetry(ctx context.Context, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return internal.RunWithRetryBackoff(ctx, s.db, fn, retryable, b)
}

// Start is called when the queue starts up. It verifies the database
// is reachable. Stale checkpoints are not touched here: the queue
// rewrites their state during recovery.
func (s *Store) Start() error {
	return s.db.Ping()
}

// Close the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores the value under key, overwriting an earlier value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	query, args, err := sq.Insert(tableName).
		Columns("k", "v", "last_mod").
		Values(key, value, time.Now().UnixNano()).
		Suffix("ON DUPLICATE KEY UPDATE v = VALUES(v), last_mod = VALUES(last_mod)").
		ToSql()
	if err != nil {
		return err
	}
	s.logf("mysql: %s %v", query, args)
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
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
	s.logf("mysql: %s %v", query, args)
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
	s.logf("mysql: %s %v", query, args)
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// Keys returns all keys starting with prefix, in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	query, args, err := sq.Select("k").
		From(tableName).
		Where(sq.Like{"k": likePattern(prefix)}).
		OrderBy("k").
		ToSql()
	if err != nil {
		return nil, err
	}
	s.logf("mysql: %s %v", query, args)
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
