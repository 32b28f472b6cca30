// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"strings"
	"sync"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Checkpoints written into it do
// not survive a process restart, so it is only useful for tests and
// for running without durable persistence.
type InMemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		values: make(map[string][]byte),
	}
}

// Start the store.
func (st *InMemoryStore) Start() error {
	return nil
}

// Close the store.
func (st *InMemoryStore) Close() error {
	return nil
}

// Put stores the value under key.
func (st *InMemoryStore) Put(_ context.Context, key string, value []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	st.values[key] = buf
	return nil
}

// Get returns the value stored under key (or ErrNotFound).
func (st *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	value, found := st.values[key]
	if !found {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

// Delete removes the key.
func (st *InMemoryStore) Delete(_ context.Context, key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.values, key)
	return nil
}

// Keys returns all keys starting with prefix.
func (st *InMemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var keys []string
	for key := range st.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
