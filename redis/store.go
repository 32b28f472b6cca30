package redis

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
)

// defaultKeyPrefix namespaces all checkpoint keys so the store can
// share a Redis database with other applications. It can be
// overridden by SetKeyPrefix.
const defaultKeyPrefix = "jobqueue:"

// Store is a Redis-based storage backend for job checkpoints. It
// implements the jobqueue.Store interface. Checkpoints are kept as
// plain string keys without expiration; the queue removes them when
// jobs reach a terminal state.
type Store struct {
	client *redis.Client
	prefix string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore connects to the Redis server described by url, e.g.
// "redis://localhost:6379/0".
func NewStore(url string, options ...StoreOption) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	st := &Store{
		client: redis.NewClient(opts),
		prefix: defaultKeyPrefix,
	}
	for _, opt := range options {
		opt(st)
	}
	return st, nil
}

// SetKeyPrefix overrides the default key prefix.
func SetKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// Start is called when the queue starts up. It verifies the server is
// reachable.
func (s *Store) Start() error {
	return s.client.Ping(context.Background()).Err()
}

// Close the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Put stores the value under key, overwriting an earlier value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

// Get returns the value stored under key, or jobqueue.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, jobqueue.ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Keys returns all keys starting with prefix. The store-level key
// prefix is stripped from the results.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := globPattern(s.prefix + prefix)
	var keys []string
	seen := make(map[string]bool)
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		// SCAN may return a key more than once.
		key := strings.TrimPrefix(iter.Val(), s.prefix)
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// globPattern turns a literal key prefix into a SCAN MATCH pattern,
// escaping the glob metacharacters that may appear in keys.
func globPattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(prefix) + "*"
}
