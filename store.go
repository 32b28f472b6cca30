// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"errors"
)

var (
	// ErrNotFound must be returned from Store implementations when a
	// certain key could not be found in the specific data store. It is
	// also returned by the queue when a job identifier is unknown.
	ErrNotFound = errors.New("jobqueue: not found")
)

// Store implements persistent key/value storage of checkpoints.
// Implementations must be safe for concurrent use.
//
// Keys are opaque strings; the persistence manager namespaces all
// checkpoint keys under a common prefix and relies on Keys to
// enumerate them by that prefix.
type Store interface {
	// Start is called when the persistence manager initializes.
	// This is a good time to validate the connection or create the
	// schema the store needs.
	Start() error

	// Close flushes and releases the store. No calls are made to the
	// store after Close.
	Close() error

	// Put writes value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key.
	// If the key could not be found, ErrNotFound must be returned.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key and its value. Deleting a key that does not
	// exist must not return an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys starting with the given prefix, in no
	// particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
