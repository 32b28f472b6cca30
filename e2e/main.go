package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/mongodb"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/mysql"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/redis"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/sqlite"
)

// errShutdown stops the errgroup after a termination signal. It is
// not an error to the outside.
var errShutdown = errors.New("shutdown requested")

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/jobqueue_e2e?loc=UTC&parseTime=true"
	)
	var (
		concurrency     = flag.Int("c", 2, "maximum number of concurrently running jobs")
		minWorkers      = flag.Int("min-workers", 2, "number of workers provisioned at startup")
		maxWorkers      = flag.Int("max-workers", 8, "upper bound for the autoscaler")
		autoscale       = flag.Bool("autoscale", true, "enable worker pool autoscaling")
		fillTime        = flag.Duration("fill-time", 5*time.Second, "interval in which new jobs get added")
		runTime         = flag.Duration("run-time", 7*time.Second, "maximum run time of a single job")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxRetry        = flag.Int("max-retry", 2, "maximum number of retries per job")
		dbtype          = flag.String("dbtype", "", "storage type (memory, sqlite, mysql, mongodb or redis); empty disables persistence")
		dburl           = flag.String("dburl", "", "connection string for persistent storage, e.g. "+exampleDBURL)
		dbdebug         = flag.Bool("dbdebug", false, "enable debug output for DB store")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		indexRoot       = flag.String("index-root", ".", "directory indexed by file indexing jobs")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize the store
	var store jobqueue.Store
	var err error
	switch *dbtype {
	case "":
		// No persistence
	case "memory":
		store = jobqueue.NewInMemoryStore()
	case "sqlite":
		if *dburl == "" {
			log.Fatal("specify a database path with -dburl like e.g. /tmp/jobqueue.db")
		}
		var dboptions []sqlite.StoreOption
		if *dbdebug {
			dboptions = append(dboptions, sqlite.SetDebug(true))
		}
		store, err = sqlite.NewStore(*dburl, dboptions...)
	case "mysql":
		if *dburl == "" {
			log.Fatal("specify a database connection string with -dburl like e.g. " + exampleDBURL)
		}
		var dboptions []mysql.StoreOption
		if *dbdebug {
			dboptions = append(dboptions, mysql.SetDebug(true))
		}
		store, err = mysql.NewStore(*dburl, dboptions...)
	case "mongodb":
		if *dburl == "" {
			log.Fatal("specify a database connection string with -dburl like e.g. mongodb://localhost/jobqueue_e2e")
		}
		store, err = mongodb.NewStore(*dburl)
	case "redis":
		if *dburl == "" {
			log.Fatal("specify a connection string with -dburl like e.g. redis://localhost:6379/0")
		}
		store, err = redis.NewStore(*dburl)
	default:
		log.Fatal("unsupported dbtype; use memory, sqlite, mysql, mongodb or redis")
	}
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the queue
	reg := jobqueue.NewRegistry()
	if err := jobqueue.RegisterBuiltins(reg, demoEmbedder); err != nil {
		log.Fatal(err)
	}
	if err := reg.Register("e2e.sleep", makeSleepDecoder(*failureRate, *runTime)); err != nil {
		log.Fatal(err)
	}
	options := []jobqueue.QueueOption{
		jobqueue.SetRegistry(reg),
		jobqueue.SetConcurrency(*concurrency),
		jobqueue.SetWorkerPool(jobqueue.PoolConfig{
			MinWorkers: *minWorkers,
			MaxWorkers: *maxWorkers,
			AutoScale:  *autoscale,
		}),
	}
	if store != nil {
		options = append(options, jobqueue.SetStore(store))
	}
	q := jobqueue.New(options...)

	// Start the queue
	if err := q.Start(); err != nil {
		log.Fatal(err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	// Enqueue jobs
	g.Go(func() error {
		return enqueuer(ctx, q, *fillTime, *runTime, *maxRetry, *failureRate, *indexRoot)
	})

	// Print stats
	g.Go(func() error {
		logger(ctx, q, *logInterval)
		return nil
	})

	// Wait for e.g. Ctrl+C
	g.Go(func() error {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-c:
			log.Printf("signal %v", fmt.Sprint(sig))
			return errShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, errShutdown) {
		log.Fatal(err)
	}
	if err := q.CloseWithTimeout(*shutdownTimeout); err != nil {
		log.Fatal(err)
	}
	log.Print("exiting")
}

// enqueuer adds a random mix of jobs until ctx is cancelled. Some jobs
// are scheduled into the future, and some of those are cancelled again
// before they become due.
func enqueuer(ctx context.Context, q *jobqueue.Queue, fillTime, runTime time.Duration, maxRetry int, failureRate float64, indexRoot string) error {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog ", 80)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(rand.Int63n(fillTime.Nanoseconds()))):
		}

		var job jobqueue.Job
		switch rand.Intn(4) {
		case 0:
			job = jobqueue.NewDocumentProcessingJob(text, 500, 100,
				jobqueue.WithPriority(randomPriority()),
				jobqueue.WithMaxRetries(maxRetry))
		case 1:
			job = jobqueue.NewEmbeddingGenerationJob(
				[]string{"alpha", "beta", "gamma", "delta", "epsilon"},
				demoEmbedder,
				jobqueue.WithPriority(randomPriority()),
				jobqueue.WithMaxRetries(maxRetry))
		case 2:
			job = jobqueue.NewFileIndexingJob(indexRoot, []string{".go", ".md"},
				jobqueue.WithPriority(randomPriority()),
				jobqueue.WithMaxRetries(maxRetry))
		default:
			job = jobqueue.NewFuncJob("e2e.sleep", makeSleeper(failureRate, runTime),
				jobqueue.WithPriority(randomPriority()),
				jobqueue.WithMaxRetries(maxRetry))
		}

		if rand.Intn(10) == 0 {
			delay := time.Duration(1+rand.Intn(10)) * time.Second
			qj, err := q.AddAt(ctx, job, time.Now().Add(delay))
			if err != nil {
				return err
			}
			if rand.Intn(2) == 0 {
				// Cancel some scheduled jobs before they become due.
				id := qj.Job.ID()
				time.AfterFunc(delay/2, func() {
					q.Cancel(context.Background(), id)
				})
			}
			continue
		}
		if _, err := q.Add(ctx, job); err != nil {
			return err
		}
	}
}

func logger(ctx context.Context, q *jobqueue.Queue, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			ss := q.Stats()
			ps := q.PoolStats()
			fmt.Printf("Pending=%5d Running=%5d Processed=%6d Success=%5.1f%% Workers=%2d Crashed=%2d\n",
				ss.PendingJobs,
				ss.RunningJobs,
				ss.TotalJobsProcessed,
				ss.SuccessRate*100,
				ps.TotalWorkers,
				ps.CrashedWorkers)
		case <-ctx.Done():
			return
		}
	}
}

func randomPriority() jobqueue.Priority {
	switch rand.Intn(3) {
	case 0:
		return jobqueue.PriorityLow
	case 1:
		return jobqueue.PriorityHigh
	default:
		return jobqueue.PriorityNormal
	}
}

// demoEmbedder stands in for a real embedding model and returns tiny
// deterministic vectors.
func demoEmbedder(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = []float64{float64(len(text)), float64(i + 1)}
	}
	return vectors, nil
}

// makeSleeper builds a job func that sleeps a random fraction of
// runTime and fails at the given rate.
func makeSleeper(failureRate float64, runTime time.Duration) func(ctx context.Context) (*jobqueue.Result, error) {
	return func(ctx context.Context) (*jobqueue.Result, error) {
		select {
		case <-time.After(time.Duration(rand.Int63n(runTime.Nanoseconds()))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if rand.Float64() < failureRate {
			return nil, errors.New("processor failed")
		}
		return &jobqueue.Result{Success: true}, nil
	}
}

func makeSleepDecoder(failureRate float64, runTime time.Duration) jobqueue.DecodeFunc {
	return func(e *jobqueue.Envelope) (jobqueue.Job, error) {
		return jobqueue.NewFuncJob("e2e.sleep", makeSleeper(failureRate, runTime),
			jobqueue.WithID(e.ID),
			jobqueue.WithPriority(e.Priority),
			jobqueue.WithMaxRetries(e.MaxRetries)), nil
	}
}
