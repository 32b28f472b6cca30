// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"strings"
	"testing"
)

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	decode := func(e *Envelope) (Job, error) {
		return NewFuncJob("test.reg", nil, WithID(e.ID)), nil
	}

	if err := reg.Register("test.reg", decode); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if !reg.Registered("test.reg") {
		t.Fatal("expected test.reg to be registered")
	}
	if reg.Registered("test.other") {
		t.Fatal("expected test.other to be unregistered")
	}

	if err := reg.Register("test.reg", decode); err == nil {
		t.Fatal("expected duplicate Register to fail")
	}
	if err := reg.Register("", decode); err == nil {
		t.Fatal("expected Register without a type to fail")
	}
	if err := reg.Register("test.nil", nil); err == nil {
		t.Fatal("expected Register without a decoder to fail")
	}
}

func TestRegistryDecode(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register("test.reg", func(e *Envelope) (Job, error) {
		return NewFuncJob("test.reg", func(ctx context.Context) (*Result, error) {
			return &Result{Success: true}, nil
		}, WithID(e.ID)), nil
	})
	if err != nil {
		t.Fatalf("Register failed with %v", err)
	}

	job, err := reg.Decode(&Envelope{ID: "decoded-1", Type: "test.reg"})
	if err != nil {
		t.Fatalf("Decode failed with %v", err)
	}
	if have, want := job.ID(), "decoded-1"; have != want {
		t.Fatalf("ID = %q, want %q", have, want)
	}

	_, err = reg.Decode(&Envelope{ID: "decoded-2", Type: "test.unknown"})
	if err == nil {
		t.Fatal("expected Decode of unknown type to fail")
	}
	if !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("error = %q, want it to mention the missing registration", err)
	}
}

func TestRegistryTypes(t *testing.T) {
	reg := NewRegistry()
	decode := func(e *Envelope) (Job, error) { return nil, nil }
	for _, typ := range []string{"zebra", "alpha", "middle"} {
		if err := reg.Register(typ, decode); err != nil {
			t.Fatalf("Register failed with %v", err)
		}
	}
	types := reg.Types()
	if have, want := strings.Join(types, ","), "alpha,middle,zebra"; have != want {
		t.Fatalf("Types = %v, want %v", have, want)
	}
}
