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

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/mongodb"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/mysql"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/redis"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/sqlite"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/ui/server"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/jobqueue_ui?loc=UTC&parseTime=true"
	)
	var (
		addr    = flag.String("addr", "127.0.0.1:12345", "HTTP bind address")
		dbtype  = flag.String("dbtype", "memory", "Storage type (memory, sqlite, mysql, mongodb or redis)")
		dburl   = flag.String("dburl", "", "Connection string for the store, e.g. "+exampleDBURL)
		dbdebug = flag.Bool("dbdebug", false, "Enable debug output for DB store")
		demo    = flag.Bool("demo", true, "Generate demo jobs so there is something to watch")
	)
	flag.Parse()

	// Initialize the store
	var err error
	var store jobqueue.Store
	switch *dbtype {
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
			log.Fatal("specify a database connection string with -dburl like e.g. mongodb://localhost/jobqueue_ui")
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
	if err := reg.Register("demo.flaky", decodeFlakyJob); err != nil {
		log.Fatal(err)
	}
	q := jobqueue.New(
		jobqueue.SetStore(store),
		jobqueue.SetRegistry(reg),
	)
	if err := q.Start(); err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	if *demo {
		go generate(q)
	}

	errc := make(chan error, 1)

	go func() {
		log.Printf("web server listening on %v", *addr)
		s := server.New(q)
		errc <- s.Serve(*addr)
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("recv signal %v", fmt.Sprint(<-c))
		errc <- nil
	}()

	if err := <-errc; err != nil {
		log.Printf("exit with error %v", err)
		os.Exit(1)
	}
}

// generate adds a random mix of jobs to the queue so the dashboard has
// something to show.
func generate(q *jobqueue.Queue) {
	text := strings.Repeat("All work and no play makes Jack a dull boy. ", 60)
	for {
		time.Sleep(time.Duration(500+rand.Intn(2000)) * time.Millisecond)

		var job jobqueue.Job
		switch rand.Intn(4) {
		case 0:
			job = jobqueue.NewDocumentProcessingJob(text, 400, 80,
				jobqueue.WithPriority(randomPriority()))
		case 1:
			job = jobqueue.NewEmbeddingGenerationJob(
				[]string{"alpha", "beta", "gamma", "delta"},
				demoEmbedder,
				jobqueue.WithPriority(randomPriority()))
		case 2:
			job = jobqueue.NewFileIndexingJob(".", []string{".go"},
				jobqueue.WithPriority(randomPriority()))
		case 3:
			job = jobqueue.NewFuncJob("demo.flaky", flakyFunc(),
				jobqueue.WithMaxRetries(3))
		}

		if rand.Intn(5) == 0 {
			// Schedule some jobs in the future so pending jobs show up.
			at := time.Now().Add(time.Duration(2+rand.Intn(8)) * time.Second)
			if _, err := q.AddAt(context.Background(), job, at); err != nil {
				log.Printf("add job: %v", err)
			}
			continue
		}
		if _, err := q.Add(context.Background(), job); err != nil {
			log.Printf("add job: %v", err)
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

// flakyFunc fails about half of its attempts, which makes retries and
// failures visible on the dashboard.
func flakyFunc() func(ctx context.Context) (*jobqueue.Result, error) {
	return func(ctx context.Context) (*jobqueue.Result, error) {
		if rand.Intn(2) == 0 {
			return nil, errors.New("flaky demo job failed")
		}
		return &jobqueue.Result{
			Success: true,
			Result:  map[string]interface{}{"lucky": true},
		}, nil
	}
}

func decodeFlakyJob(e *jobqueue.Envelope) (jobqueue.Job, error) {
	return jobqueue.NewFuncJob("demo.flaky", flakyFunc(),
		jobqueue.WithID(e.ID),
		jobqueue.WithMaxRetries(e.MaxRetries)), nil
}
