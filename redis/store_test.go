package redis

import (
	"bytes"
	"context"
	"log"
	"os"
	"testing"
	"time"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
)

const testRedisURL = "redis://localhost:6379/0"

// dbAvailable is set by TestMain. Tests skip when no Redis server is
// reachable, so the package can be tested without one.
var dbAvailable bool

func TestMain(m *testing.M) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	st, err := NewStore(testRedisURL)
	if err == nil {
		if err := st.Start(); err == nil {
			dbAvailable = true
		}
		st.Close()
	}

	os.Exit(m.Run())
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	if !dbAvailable {
		t.Skip("no Redis server available")
	}
	st, err := NewStore(testRedisURL, SetKeyPrefix("jobqueue_test:"))
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() {
		// Best effort: the store may already be closed by a queue.
		ctx := context.Background()
		keys, _ := st.Keys(ctx, "")
		for _, key := range keys {
			st.Delete(ctx, key)
		}
		st.Close()
	})
	return st
}

func TestRedisNewStore(t *testing.T) {
	st := openTestStore(t)
	if err := st.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
}

func TestRedisNewStoreBadURL(t *testing.T) {
	if _, err := NewStore("://not-a-url"); err == nil {
		t.Fatal("expected NewStore to fail on a malformed URL")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Get(ctx, "job_checkpoint:missing"); err != jobqueue.ErrNotFound {
		t.Fatalf("Get error = %v, want jobqueue.ErrNotFound", err)
	}

	if err := st.Put(ctx, "job_checkpoint:a", []byte(`{"state":"queued"}`)); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	// Overwrite
	if err := st.Put(ctx, "job_checkpoint:a", []byte(`{"state":"running"}`)); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	value, err := st.Get(ctx, "job_checkpoint:a")
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	if !bytes.Equal(value, []byte(`{"state":"running"}`)) {
		t.Fatalf("Get = %q", value)
	}

	if err := st.Put(ctx, "job_checkpoint:b", []byte("{}")); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	if err := st.Put(ctx, "unrelated:c", []byte("{}")); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	keys, err := st.Keys(ctx, "job_checkpoint:")
	if err != nil {
		t.Fatalf("Keys failed with %v", err)
	}
	if have, want := len(keys), 2; have != want {
		t.Fatalf("len(Keys) = %d, want %d: %v", have, want, keys)
	}

	if err := st.Delete(ctx, "job_checkpoint:a"); err != nil {
		t.Fatalf("Delete failed with %v", err)
	}
	if _, err := st.Get(ctx, "job_checkpoint:a"); err != jobqueue.ErrNotFound {
		t.Fatalf("Get error = %v, want jobqueue.ErrNotFound", err)
	}
	// Deleting a missing key is not an error.
	if err := st.Delete(ctx, "job_checkpoint:a"); err != nil {
		t.Fatalf("Delete failed with %v", err)
	}
}

// TestRedisKeysEscapeWildcards ensures glob metacharacters in a key
// prefix are matched literally.
func TestRedisKeysEscapeWildcards(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"a*b:1", "aXb:2"} {
		if err := st.Put(ctx, key, []byte("{}")); err != nil {
			t.Fatalf("Put failed with %v", err)
		}
	}
	keys, err := st.Keys(ctx, "a*b")
	if err != nil {
		t.Fatalf("Keys failed with %v", err)
	}
	if have, want := len(keys), 1; have != want {
		t.Fatalf("len(Keys) = %d, want %d: %v", have, want, keys)
	}
	if have, want := keys[0], "a*b:1"; have != want {
		t.Fatalf("Keys[0] = %q, want %q", have, want)
	}
}

// TestRedisQueueSuccess is the green case where a queue backed by this
// store processes a job without problems.
func TestRedisQueueSuccess(t *testing.T) {
	st := openTestStore(t)

	jobDone := make(chan struct{}, 1)
	reg := jobqueue.NewRegistry()
	err := reg.Register("topic", func(e *jobqueue.Envelope) (jobqueue.Job, error) {
		return jobqueue.NewFuncJob("topic", func(ctx context.Context) (*jobqueue.Result, error) {
			return &jobqueue.Result{Success: true}, nil
		}, jobqueue.WithID(e.ID)), nil
	})
	if err != nil {
		t.Fatalf("Register failed with %v", err)
	}

	q := jobqueue.New(
		jobqueue.SetStore(st),
		jobqueue.SetRegistry(reg),
		jobqueue.SetDispatchInterval(10*time.Millisecond),
	)
	if err := q.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer q.Close()

	job := jobqueue.NewFuncJob("topic", func(ctx context.Context) (*jobqueue.Result, error) {
		jobDone <- struct{}{}
		return &jobqueue.Result{Success: true}, nil
	})
	if _, err := q.Add(context.Background(), job); err != nil {
		t.Fatalf("Add failed with %v", err)
	}
	select {
	case <-jobDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Job func timed out")
	}
}
