// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testPersistRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	err := reg.Register("test.persist", func(e *Envelope) (Job, error) {
		return NewFuncJob("test.persist", func(ctx context.Context) (*Result, error) {
			return &Result{Success: true}, nil
		},
			WithID(e.ID),
			WithPriority(e.Priority),
			WithMaxRetries(e.MaxRetries),
			WithTimeout(e.Timeout()),
		), nil
	})
	if err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	return reg
}

func TestPersistAndRecover(t *testing.T) {
	st := NewInMemoryStore()
	reg := testPersistRegistry(t)
	ctx := context.Background()

	pm := NewPersistenceManager(st, reg)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}

	scheduledAt := time.Now().Add(1 * time.Minute)
	job := NewFuncJob("test.persist", nil,
		WithID("persist-1"),
		WithPriority(PriorityHigh),
		WithMaxRetries(7),
		WithTimeout(30*time.Second),
	)
	qj := &QueuedJob{
		Job:         job,
		CreatedAt:   time.Now(),
		ScheduledAt: scheduledAt,
		Attempt:     2,
	}
	if err := pm.PersistJob(ctx, qj, CheckpointRunning); err != nil {
		t.Fatalf("PersistJob failed with %v", err)
	}

	// A different manager on the same store sees the checkpoint, the way
	// a restarted process would.
	pm2 := NewPersistenceManager(st, reg)
	if err := pm2.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	recovery, err := pm2.RecoverJobs(ctx)
	if err != nil {
		t.Fatalf("RecoverJobs failed with %v", err)
	}
	if have, want := recovery.SuccessCount, 1; have != want {
		t.Fatalf("SuccessCount = %d, want %d", have, want)
	}
	if have, want := recovery.FailureCount, 0; have != want {
		t.Fatalf("FailureCount = %d, want %d", have, want)
	}
	rj := recovery.RecoveredJobs[0]
	if have, want := rj.QueuedJob.Job.ID(), "persist-1"; have != want {
		t.Fatalf("ID = %q, want %q", have, want)
	}
	if have, want := rj.QueuedJob.Job.Priority(), PriorityHigh; have != want {
		t.Fatalf("Priority = %v, want %v", have, want)
	}
	if have, want := rj.QueuedJob.Job.MaxRetries(), 7; have != want {
		t.Fatalf("MaxRetries = %d, want %d", have, want)
	}
	if have, want := rj.QueuedJob.Job.Timeout(), 30*time.Second; have != want {
		t.Fatalf("Timeout = %v, want %v", have, want)
	}
	if have, want := rj.QueuedJob.Attempt, 2; have != want {
		t.Fatalf("Attempt = %d, want %d", have, want)
	}
	if have, want := rj.State, CheckpointRunning; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}
	if have, want := rj.QueuedJob.ScheduledAt.UnixNano(), scheduledAt.UnixNano(); have != want {
		t.Fatalf("ScheduledAt = %d, want %d", have, want)
	}
}

// TestPersistKeepsShortTimeout round-trips a deadline below a
// millisecond. A checkpoint must not truncate it to zero, which would
// read back as no timeout at all.
func TestPersistKeepsShortTimeout(t *testing.T) {
	st := NewInMemoryStore()
	reg := testPersistRegistry(t)
	ctx := context.Background()

	pm := NewPersistenceManager(st, reg)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	job := NewFuncJob("test.persist", nil,
		WithID("brief-1"),
		WithTimeout(500*time.Microsecond),
	)
	qj := &QueuedJob{Job: job, CreatedAt: time.Now(), ScheduledAt: time.Now()}
	if err := pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
		t.Fatalf("PersistJob failed with %v", err)
	}

	recovery, err := pm.RecoverJobs(ctx)
	if err != nil {
		t.Fatalf("RecoverJobs failed with %v", err)
	}
	if have, want := recovery.RecoveredJobs[0].QueuedJob.Job.Timeout(), 500*time.Microsecond; have != want {
		t.Fatalf("Timeout = %v, want %v", have, want)
	}
}

func TestPersistOverwrites(t *testing.T) {
	st := NewInMemoryStore()
	reg := testPersistRegistry(t)
	ctx := context.Background()

	pm := NewPersistenceManager(st, reg)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}

	job := NewFuncJob("test.persist", nil, WithID("rewrite-1"))
	qj := &QueuedJob{Job: job, CreatedAt: time.Now(), ScheduledAt: time.Now()}
	if err := pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
		t.Fatalf("PersistJob failed with %v", err)
	}
	qj.Attempt = 1
	if err := pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
		t.Fatalf("PersistJob failed with %v", err)
	}

	keys, err := st.Keys(ctx, CheckpointKeyPrefix)
	if err != nil {
		t.Fatalf("Keys failed with %v", err)
	}
	if have, want := len(keys), 1; have != want {
		t.Fatalf("checkpoints = %d, want %d", have, want)
	}
	recovery, err := pm.RecoverJobs(ctx)
	if err != nil {
		t.Fatalf("RecoverJobs failed with %v", err)
	}
	if have, want := recovery.RecoveredJobs[0].QueuedJob.Attempt, 1; have != want {
		t.Fatalf("Attempt = %d, want %d", have, want)
	}
}

// TestRecoverCorruptedCheckpoints mixes good checkpoints with garbage
// and checks that recovery reports the garbage without dropping the
// good ones or aborting.
func TestRecoverCorruptedCheckpoints(t *testing.T) {
	st := NewInMemoryStore()
	reg := testPersistRegistry(t)
	ctx := context.Background()

	l := &stringLogger{}
	pm := NewPersistenceManager(st, reg, SetPersistenceLogger(l))
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}

	for i := 0; i < 2; i++ {
		job := NewFuncJob("test.persist", nil, WithID(fmt.Sprintf("good-%d", i)))
		qj := &QueuedJob{Job: job, CreatedAt: time.Now(), ScheduledAt: time.Now()}
		if err := pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
			t.Fatalf("PersistJob failed with %v", err)
		}
	}
	if err := st.Put(ctx, checkpointKey("mangled"), []byte("{not json")); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	if err := st.Put(ctx, checkpointKey("jobless"), []byte(`{"state":"queued"}`)); err != nil {
		t.Fatalf("Put failed with %v", err)
	}

	recovery, err := pm.RecoverJobs(ctx)
	if err != nil {
		t.Fatalf("RecoverJobs failed with %v", err)
	}
	if have, want := recovery.SuccessCount, 2; have != want {
		t.Fatalf("SuccessCount = %d, want %d", have, want)
	}
	if have, want := recovery.FailureCount, 2; have != want {
		t.Fatalf("FailureCount = %d, want %d", have, want)
	}
	if have, want := len(recovery.CorruptedCheckpoints), 2; have != want {
		t.Fatalf("CorruptedCheckpoints = %v, want %d entries", recovery.CorruptedCheckpoints, want)
	}
	corrupted := make(map[string]bool)
	for _, id := range recovery.CorruptedCheckpoints {
		corrupted[id] = true
	}
	if !corrupted["mangled"] || !corrupted["jobless"] {
		t.Fatalf("CorruptedCheckpoints = %v, want mangled and jobless", recovery.CorruptedCheckpoints)
	}
	if len(l.Lines) == 0 {
		t.Fatal("expected lines written to Logger")
	}

	// Corrupted checkpoints stay in the store for inspection.
	if _, err := st.Get(ctx, checkpointKey("mangled")); err != nil {
		t.Fatalf("Get failed with %v", err)
	}
}

func TestRecoverUnregisteredType(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	pm := NewPersistenceManager(st, testPersistRegistry(t))
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	job := NewFuncJob("test.persist", nil, WithID("orphan-1"))
	qj := &QueuedJob{Job: job, CreatedAt: time.Now(), ScheduledAt: time.Now()}
	if err := pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
		t.Fatalf("PersistJob failed with %v", err)
	}

	// Recover with a registry that has no decoder for the type.
	pm2 := NewPersistenceManager(st, NewRegistry())
	if err := pm2.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	recovery, err := pm2.RecoverJobs(ctx)
	if err != nil {
		t.Fatalf("RecoverJobs failed with %v", err)
	}
	if have, want := recovery.SuccessCount, 0; have != want {
		t.Fatalf("SuccessCount = %d, want %d", have, want)
	}
	if have, want := recovery.FailureCount, 1; have != want {
		t.Fatalf("FailureCount = %d, want %d", have, want)
	}
	if have, want := len(recovery.CorruptedCheckpoints), 1; have != want {
		t.Fatalf("CorruptedCheckpoints = %v, want %d entry", recovery.CorruptedCheckpoints, want)
	}
	if have, want := recovery.CorruptedCheckpoints[0], "orphan-1"; have != want {
		t.Fatalf("CorruptedCheckpoints[0] = %q, want %q", have, want)
	}
}

// faultyStore fails reads of one key, the way a backend with a damaged
// row would.
type faultyStore struct {
	*InMemoryStore
	failKey string
}

func (s *faultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == s.failKey {
		return nil, errors.New("read failure")
	}
	return s.InMemoryStore.Get(ctx, key)
}

// TestRecoverUnreadableCheckpoint checks that a checkpoint whose read
// fails is reported like a corrupted one instead of aborting the scan.
func TestRecoverUnreadableCheckpoint(t *testing.T) {
	st := &faultyStore{
		InMemoryStore: NewInMemoryStore(),
		failKey:       checkpointKey("broken-1"),
	}
	reg := testPersistRegistry(t)
	ctx := context.Background()

	l := &stringLogger{}
	pm := NewPersistenceManager(st, reg, SetPersistenceLogger(l))
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	for _, id := range []string{"broken-1", "intact-1"} {
		job := NewFuncJob("test.persist", nil, WithID(id))
		qj := &QueuedJob{Job: job, CreatedAt: time.Now(), ScheduledAt: time.Now()}
		if err := pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
			t.Fatalf("PersistJob failed with %v", err)
		}
	}

	recovery, err := pm.RecoverJobs(ctx)
	if err != nil {
		t.Fatalf("RecoverJobs failed with %v", err)
	}
	if have, want := recovery.SuccessCount, 1; have != want {
		t.Fatalf("SuccessCount = %d, want %d", have, want)
	}
	if have, want := recovery.FailureCount, 1; have != want {
		t.Fatalf("FailureCount = %d, want %d", have, want)
	}
	if have, want := len(recovery.CorruptedCheckpoints), 1; have != want {
		t.Fatalf("CorruptedCheckpoints = %v, want %d entry", recovery.CorruptedCheckpoints, want)
	}
	if have, want := recovery.CorruptedCheckpoints[0], "broken-1"; have != want {
		t.Fatalf("CorruptedCheckpoints[0] = %q, want %q", have, want)
	}
	if have, want := recovery.RecoveredJobs[0].QueuedJob.Job.ID(), "intact-1"; have != want {
		t.Fatalf("recovered job = %q, want %q", have, want)
	}
	if len(l.Lines) == 0 {
		t.Fatal("expected lines written to Logger")
	}
}

func TestUpdateProgressMerges(t *testing.T) {
	st := NewInMemoryStore()
	reg := testPersistRegistry(t)
	ctx := context.Background()

	pm := NewPersistenceManager(st, reg)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	job := NewFuncJob("test.persist", nil, WithID("progress-1"))
	qj := &QueuedJob{Job: job, CreatedAt: time.Now(), ScheduledAt: time.Now()}
	if err := pm.PersistJob(ctx, qj, CheckpointRunning); err != nil {
		t.Fatalf("PersistJob failed with %v", err)
	}

	err := pm.UpdateProgress(ctx, "progress-1", map[string]interface{}{
		"stage": "chunking",
		"step":  1,
	})
	if err != nil {
		t.Fatalf("UpdateProgress failed with %v", err)
	}
	err = pm.UpdateProgress(ctx, "progress-1", map[string]interface{}{
		"step":  2,
		"total": 10,
	})
	if err != nil {
		t.Fatalf("UpdateProgress failed with %v", err)
	}

	value, err := st.Get(ctx, checkpointKey("progress-1"))
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(value, &cp); err != nil {
		t.Fatalf("Unmarshal failed with %v", err)
	}
	// Numbers come back as float64 after the JSON round trip.
	if have, want := cp.Progress["stage"], "chunking"; have != want {
		t.Fatalf("Progress[stage] = %v, want %v", have, want)
	}
	if have, want := cp.Progress["step"], float64(2); have != want {
		t.Fatalf("Progress[step] = %v, want %v", have, want)
	}
	if have, want := cp.Progress["total"], float64(10); have != want {
		t.Fatalf("Progress[total] = %v, want %v", have, want)
	}
	if have, want := cp.State, CheckpointRunning; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}

	// Recovery hands the progress back.
	recovery, err := pm.RecoverJobs(ctx)
	if err != nil {
		t.Fatalf("RecoverJobs failed with %v", err)
	}
	if have, want := recovery.RecoveredJobs[0].Progress["stage"], "chunking"; have != want {
		t.Fatalf("Progress[stage] = %v, want %v", have, want)
	}
}

func TestUpdateProgressWithoutCheckpoint(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	pm := NewPersistenceManager(st, NewRegistry())
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	err := pm.UpdateProgress(ctx, "no-such-job", map[string]interface{}{"step": 1})
	if err != nil {
		t.Fatalf("UpdateProgress failed with %v", err)
	}
	// No checkpoint is conjured up for an unknown job.
	if _, err := st.Get(ctx, checkpointKey("no-such-job")); err != ErrNotFound {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestRemoveJobIdempotent(t *testing.T) {
	st := NewInMemoryStore()
	reg := testPersistRegistry(t)
	ctx := context.Background()

	pm := NewPersistenceManager(st, reg)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	job := NewFuncJob("test.persist", nil, WithID("remove-1"))
	qj := &QueuedJob{Job: job, CreatedAt: time.Now(), ScheduledAt: time.Now()}
	if err := pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
		t.Fatalf("PersistJob failed with %v", err)
	}

	if err := pm.RemoveJob(ctx, "remove-1"); err != nil {
		t.Fatalf("RemoveJob failed with %v", err)
	}
	if _, err := st.Get(ctx, checkpointKey("remove-1")); err != ErrNotFound {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
	if err := pm.RemoveJob(ctx, "remove-1"); err != nil {
		t.Fatalf("second RemoveJob failed with %v", err)
	}
}

func TestLockForIsStable(t *testing.T) {
	pm := NewPersistenceManager(NewInMemoryStore(), NewRegistry())
	if pm.lockFor("stable-1") != pm.lockFor("stable-1") {
		t.Fatal("expected the same lock for the same job id")
	}
}

// TestConcurrentPersistAndRemove churns overlapping job ids from
// several goroutines. Every id ends on a remove, so the store and the
// stats must come out empty.
func TestConcurrentPersistAndRemove(t *testing.T) {
	st := NewInMemoryStore()
	reg := testPersistRegistry(t)
	ctx := context.Background()

	pm := NewPersistenceManager(st, reg)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("churn-%d", n%4)
			for j := 0; j < 50; j++ {
				job := NewFuncJob("test.persist", nil, WithID(id))
				qj := &QueuedJob{Job: job, CreatedAt: time.Now(), ScheduledAt: time.Now()}
				if err := pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
					t.Errorf("PersistJob failed with %v", err)
					return
				}
				if err := pm.UpdateProgress(ctx, id, map[string]interface{}{"step": j}); err != nil {
					t.Errorf("UpdateProgress failed with %v", err)
					return
				}
				if err := pm.RemoveJob(ctx, id); err != nil {
					t.Errorf("RemoveJob failed with %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	stats, err := pm.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.CurrentJobs, 0; have != want {
		t.Fatalf("CurrentJobs = %d, want %d", have, want)
	}
	if have, want := stats.ActiveCheckpoints, 0; have != want {
		t.Fatalf("ActiveCheckpoints = %d, want %d", have, want)
	}
}

func TestPersistenceManagerStats(t *testing.T) {
	st := NewInMemoryStore()
	reg := testPersistRegistry(t)
	ctx := context.Background()

	pm := NewPersistenceManager(st, reg)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	for i := 0; i < 2; i++ {
		job := NewFuncJob("test.persist", nil, WithID(fmt.Sprintf("stats-%d", i)))
		qj := &QueuedJob{Job: job, CreatedAt: time.Now(), ScheduledAt: time.Now()}
		if err := pm.PersistJob(ctx, qj, CheckpointQueued); err != nil {
			t.Fatalf("PersistJob failed with %v", err)
		}
	}
	// Keys outside the checkpoint namespace are not counted.
	if err := st.Put(ctx, "unrelated:1", []byte("x")); err != nil {
		t.Fatalf("Put failed with %v", err)
	}

	stats, err := pm.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.CurrentJobs, 2; have != want {
		t.Fatalf("CurrentJobs = %d, want %d", have, want)
	}
	if have, want := stats.ActiveCheckpoints, 2; have != want {
		t.Fatalf("ActiveCheckpoints = %d, want %d", have, want)
	}

	if err := pm.RemoveJob(ctx, "stats-0"); err != nil {
		t.Fatalf("RemoveJob failed with %v", err)
	}
	stats, err = pm.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.CurrentJobs, 1; have != want {
		t.Fatalf("CurrentJobs = %d, want %d", have, want)
	}
	if have, want := stats.ActiveCheckpoints, 1; have != want {
		t.Fatalf("ActiveCheckpoints = %d, want %d", have, want)
	}

	// A fresh manager on the same store has written nothing yet: it
	// sees the leftover checkpoint but reports no current jobs.
	pm2 := NewPersistenceManager(st, reg)
	if err := pm2.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	stats, err = pm2.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.CurrentJobs, 0; have != want {
		t.Fatalf("CurrentJobs = %d, want %d", have, want)
	}
	if have, want := stats.ActiveCheckpoints, 1; have != want {
		t.Fatalf("ActiveCheckpoints = %d, want %d", have, want)
	}
}

func TestReportProgress(t *testing.T) {
	// Without a queue-provided reporter the call is a no-op.
	ReportProgress(context.Background(), map[string]interface{}{"step": 1})

	var got map[string]interface{}
	ctx := context.WithValue(context.Background(), progressKey{}, func(progress map[string]interface{}) {
		got = progress
	})
	ReportProgress(ctx, map[string]interface{}{"step": 2})
	if got == nil {
		t.Fatal("expected the progress reporter to be called")
	}
	if have, want := got["step"], 2; have != want {
		t.Fatalf("progress[step] = %v, want %v", have, want)
	}
}
