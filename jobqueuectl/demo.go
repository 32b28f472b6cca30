package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/spf13/cobra"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
)

// DemoCmd runs a small mix of the built-in job types through a queue
// in this process and waits for the results.
func DemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a demo job mix through a local queue",
		Long: "Demo enqueues a mix of the built-in job types into a queue in this " +
			"process and prints the results as they come in. Without --dburl the " +
			"queue runs without persistence. With --dburl, checkpoints go through " +
			"the selected store, so they can be watched with the checkpoints " +
			"commands from another terminal, and leftovers from a previous run " +
			"are recovered first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, _ := cmd.Flags().GetInt("jobs")
			workers, _ := cmd.Flags().GetInt("workers")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			reg := jobqueue.NewRegistry()
			if err := jobqueue.RegisterBuiltins(reg, demoEmbedder); err != nil {
				return err
			}

			options := []jobqueue.QueueOption{
				jobqueue.SetRegistry(reg),
				jobqueue.SetConcurrency(workers),
				jobqueue.SetDispatchInterval(50 * time.Millisecond),
			}
			if dburl, _ := cmd.Flags().GetString("dburl"); dburl != "" {
				st, err := openStore(cmd)
				if err != nil {
					return err
				}
				// The queue owns the store from here on and closes it.
				options = append(options, jobqueue.SetStore(st))
			}
			return runDemo(jobs, timeout, options...)
		},
	}
	cmd.Flags().Int("jobs", 20, "number of jobs to enqueue")
	cmd.Flags().Int("workers", 4, "number of workers")
	cmd.Flags().Duration("timeout", time.Minute, "give up if the jobs are not done after this long")
	return cmd
}

func runDemo(n int, timeout time.Duration, options ...jobqueue.QueueOption) error {
	q := jobqueue.New(options...)

	sub := q.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for result := range sub.C() {
			if result.Success {
				fmt.Printf("job %s completed in %v\n", result.JobID, result.ExecutionTime)
			} else {
				fmt.Printf("job %s failed: %s\n", result.JobID, result.Error)
			}
		}
	}()

	fail := func(err error) error {
		q.Close()
		<-done
		return err
	}

	if err := q.Start(); err != nil {
		return fail(err)
	}

	text := strings.Repeat("All work and no play makes Jack a dull boy. ", 60)
	for i := 0; i < n; i++ {
		var job jobqueue.Job
		switch i % 3 {
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
		}
		if _, err := q.Add(context.Background(), job); err != nil {
			return fail(err)
		}
	}

	deadline := time.Now().Add(timeout)
	for q.Stats().QueueSize > 0 {
		if time.Now().After(deadline) {
			left := q.Stats().QueueSize
			return fail(fmt.Errorf("timed out after %v with %d job(s) unfinished", timeout, left))
		}
		time.Sleep(50 * time.Millisecond)
	}

	stats := q.Stats()
	err := q.Close()
	<-done
	fmt.Printf("Processed %d job(s), success rate %.1f%%.\n", stats.TotalJobsProcessed, stats.SuccessRate*100)
	return err
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
