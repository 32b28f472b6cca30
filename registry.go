// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"fmt"
	"sort"
	"sync"
)

// DecodeFunc reconstructs a job variant from its serialized envelope.
type DecodeFunc func(e *Envelope) (Job, error)

// Registry maps job type tags to their decoders. A decoder must be
// registered for every job type that goes through persistence,
// otherwise checkpoints of that type cannot be recovered after a
// restart.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry creates an empty job type registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]DecodeFunc),
	}
}

// Register adds a decoder for the given job type. It returns an error
// if the type is already registered.
func (r *Registry) Register(jobType string, decode DecodeFunc) error {
	if jobType == "" {
		return fmt.Errorf("jobqueue: no job type specified")
	}
	if decode == nil {
		return fmt.Errorf("jobqueue: no decoder specified for job type %q", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.decoders[jobType]; found {
		return fmt.Errorf("jobqueue: job type %q is already registered", jobType)
	}
	r.decoders[jobType] = decode
	return nil
}

// Registered returns true if a decoder exists for the given job type.
func (r *Registry) Registered(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.decoders[jobType]
	return found
}

// Decode turns an envelope back into a runnable job via the decoder
// registered for its type.
func (r *Registry) Decode(e *Envelope) (Job, error) {
	r.mu.RLock()
	decode, found := r.decoders[e.Type]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("jobqueue: job type %q is not registered", e.Type)
	}
	return decode(e)
}

// Types returns the registered job types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.decoders))
	for typ := range r.decoders {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
