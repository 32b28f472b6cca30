package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultMinWorkers        = 2
	defaultMaxWorkers        = 8
	defaultTargetUtilization = 0.75
	defaultScaleInterval     = 1 * time.Second
	defaultScaleSamples      = 3
	defaultStopTimeout       = 10 * time.Second
)

// PoolConfig configures a worker Pool.
type PoolConfig struct {
	// MinWorkers is the number of workers provisioned at startup. The
	// pool never shrinks below it.
	MinWorkers int
	// MaxWorkers is the upper bound the autoscaler may grow the pool to.
	MaxWorkers int
	// AutoScale enables automatic resizing between MinWorkers and
	// MaxWorkers based on utilization.
	AutoScale bool
	// TargetUtilization is the fraction of busy workers the autoscaler
	// aims for. Defaults to 0.75.
	TargetUtilization float64
	// ScaleInterval is how often the autoscaler samples utilization.
	ScaleInterval time.Duration
	// ScaleSamples is the number of consecutive samples beyond the
	// target before the pool is resized, to avoid thrashing.
	ScaleSamples int
	// OnJobDone is invoked exactly once per assignment, after the
	// worker slot has been freed. On a crash or an abandoned execution
	// res is nil and err describes what happened.
	OnJobDone func(qj *QueuedJob, res *Result, err error, elapsed time.Duration)
	// Logger for pool events. Defaults to the standard log package.
	Logger Logger
}

func (cfg PoolConfig) sanitize() PoolConfig {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = defaultMinWorkers
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.TargetUtilization <= 0 || cfg.TargetUtilization > 1 {
		cfg.TargetUtilization = defaultTargetUtilization
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = defaultScaleInterval
	}
	if cfg.ScaleSamples <= 0 {
		cfg.ScaleSamples = defaultScaleSamples
	}
	if cfg.OnJobDone == nil {
		cfg.OnJobDone = func(*QueuedJob, *Result, error, time.Duration) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = stdLogger{}
	}
	return cfg
}

// Pool manages a set of workers and executes jobs on them. Workers are
// provisioned up front and, if autoscaling is enabled, added and
// removed as utilization demands. A worker that crashes is retired and
// replaced so that one bad job cannot drain the pool.
type Pool struct {
	cfg    PoolConfig
	logger Logger

	mu             sync.Mutex
	workers        []*Worker
	nextID         int
	started        bool
	stopping       bool
	crashed        int
	totalProcessed int
	totalBusy      time.Duration

	stopc chan struct{}
	wg    sync.WaitGroup

	// testing hooks
	testWorkerAdded   func()
	testWorkerRemoved func()
	testWorkerCrashed func()
}

// NewPool creates a worker pool from the given configuration. Call
// Start before assigning jobs.
func NewPool(cfg PoolConfig) *Pool {
	cfg = cfg.sanitize()
	return &Pool{
		cfg:               cfg,
		logger:            cfg.Logger,
		stopc:             make(chan struct{}),
		testWorkerAdded:   nop,
		testWorkerRemoved: nop,
		testWorkerCrashed: nop,
	}
}

// Start provisions the minimum number of workers and, if configured,
// starts the autoscaler.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("jobqueue: pool already started")
	}
	p.started = true
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.addWorkerLocked()
	}
	if p.cfg.AutoScale {
		p.wg.Add(1)
		go p.autoscaler()
	}
	return nil
}

// Stop prevents further assignments and waits for in-flight executions
// to finish. A negative timeout waits indefinitely, zero waits for a
// default grace period. If executions are still running when the
// timeout expires, Stop returns an error and leaves them to run out.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	close(p.stopc)

	if timeout == 0 {
		timeout = defaultStopTimeout
	}
	donec := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(donec)
	}()
	if timeout < 0 {
		<-donec
		return nil
	}
	select {
	case <-donec:
		return nil
	case <-time.After(timeout):
		return errors.New("jobqueue: pool stop timed out")
	}
}

// Assign hands the job to an idle worker and starts executing it. It
// returns the worker the job runs on, or nil if no worker is idle.
//
// Assignment is atomic: no worker can end up with two jobs at a time.
// The outcome of the execution is reported through the OnJobDone
// callback of the pool configuration.
func (p *Pool) Assign(ctx context.Context, qj *QueuedJob) *Worker {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return nil
	}
	var w *Worker
	for _, candidate := range p.workers {
		if !candidate.busy {
			w = candidate
			break
		}
	}
	if w == nil {
		p.mu.Unlock()
		return nil
	}
	w.busy = true
	w.currentJobID = qj.Job.ID()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.execute(ctx, w, qj)
	return w
}

type execOutcome struct {
	res     *Result
	err     error
	crashed bool
}

func (p *Pool) execute(ctx context.Context, w *Worker, qj *QueuedJob) {
	defer p.wg.Done()

	jobID := qj.Job.ID()
	start := time.Now()
	outc := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Printf("jobqueue: job %s crashed worker %s: %v\n%s", jobID, w.id, r, debug.Stack())
				outc <- execOutcome{err: fmt.Errorf("jobqueue: job %s crashed: %v", jobID, r), crashed: true}
			}
		}()
		res, err := qj.Job.Execute(ctx)
		outc <- execOutcome{res: res, err: err}
	}()

	select {
	case out := <-outc:
		elapsed := time.Since(start)
		if out.crashed {
			p.retire(w, "crashed")
			p.testWorkerCrashed()
		} else {
			p.release(w, elapsed)
		}
		p.cfg.OnJobDone(qj, out.res, out.err, elapsed)
	case <-ctx.Done():
		// The execution goroutine may still be running. The worker is
		// retired so the stale goroutine can never observe another
		// assignment; its late outcome lands in the buffered channel
		// and is discarded.
		elapsed := time.Since(start)
		p.retire(w, "abandoned")
		p.cfg.OnJobDone(qj, nil, ctx.Err(), elapsed)
	}
}

// release marks the worker idle again and records execution metrics.
func (p *Pool) release(w *Worker, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.busy = false
	w.currentJobID = ""
	w.processed++
	w.busyTime += elapsed
	p.totalProcessed++
	p.totalBusy += elapsed
}

// retire removes the worker from the pool and provisions a replacement
// if the pool fell below its minimum size.
func (p *Pool) retire(w *Worker, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.workers {
		if candidate == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	p.crashed++
	p.logger.Printf("jobqueue: worker %s retired (%s) while running job %s", w.id, reason, w.currentJobID)
	if p.started && !p.stopping && len(p.workers) < p.cfg.MinWorkers {
		p.addWorkerLocked()
	}
}

func (p *Pool) addWorkerLocked() {
	p.nextID++
	w := &Worker{
		pool: p,
		id:   fmt.Sprintf("worker-%d", p.nextID),
	}
	p.workers = append(p.workers, w)
	p.testWorkerAdded()
}

// autoscaler samples utilization and resizes the pool within its
// bounds. Only sustained pressure triggers a resize; a single spike
// does not.
func (p *Pool) autoscaler() {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.ScaleInterval)
	defer t.Stop()

	var above, below int
	for {
		select {
		case <-t.C:
			p.mu.Lock()
			total := len(p.workers)
			active := 0
			for _, w := range p.workers {
				if w.busy {
					active++
				}
			}
			util := 0.0
			if total > 0 {
				util = float64(active) / float64(total)
			}
			switch {
			case util > p.cfg.TargetUtilization && total < p.cfg.MaxWorkers:
				above++
				below = 0
			case util < p.cfg.TargetUtilization && total > p.cfg.MinWorkers:
				below++
				above = 0
			default:
				above, below = 0, 0
			}
			if above >= p.cfg.ScaleSamples {
				p.addWorkerLocked()
				p.logger.Printf("jobqueue: pool scaled up to %d workers", len(p.workers))
				above = 0
			}
			if below >= p.cfg.ScaleSamples {
				if p.removeIdleWorkerLocked() {
					p.logger.Printf("jobqueue: pool scaled down to %d workers", len(p.workers))
				}
				below = 0
			}
			p.mu.Unlock()
		case <-p.stopc:
			return
		}
	}
}

// removeIdleWorkerLocked removes one idle worker. Busy workers are
// never removed by a scaling decision.
func (p *Pool) removeIdleWorkerLocked() bool {
	for i, w := range p.workers {
		if !w.busy {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			p.testWorkerRemoved()
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := len(p.workers)
	active := 0
	for _, w := range p.workers {
		if w.busy {
			active++
		}
	}
	stats := PoolStats{
		TotalWorkers:       total,
		ActiveWorkers:      active,
		CrashedWorkers:     p.crashed,
		TotalJobsProcessed: p.totalProcessed,
	}
	if total > 0 {
		stats.Utilization = float64(active) / float64(total)
	}
	if p.totalProcessed > 0 {
		stats.AverageProcessingTime = p.totalBusy / time.Duration(p.totalProcessed)
	}
	return stats
}
