package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
)

// RecoverCmd inspects the checkpoints left behind by a crashed
// process. By default it only reports what a restart would recover;
// with --run it brings up a queue and executes the recovered jobs.
func RecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover jobs from the checkpoints in the store",
		Long: "Recover decodes the checkpoints in the store and reports the jobs a " +
			"restart would pick up. With --run, the jobs are actually executed. " +
			"Only the built-in job types can be decoded here; recovered embedding " +
			"jobs fail without an embedding model, and application-defined job " +
			"types have to be recovered inside the application that registers them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			run, _ := cmd.Flags().GetBool("run")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			reg := jobqueue.NewRegistry()
			if err := jobqueue.RegisterBuiltins(reg, nil); err != nil {
				return err
			}

			if !run {
				return dryRun(st, reg)
			}
			return runRecovery(st, reg, timeout)
		},
	}
	cmd.Flags().Bool("run", false, "execute the recovered jobs instead of only reporting them")
	cmd.Flags().Duration("timeout", time.Minute, "give up if the recovered jobs are not done after this long")
	return cmd
}

func dryRun(st jobqueue.Store, reg *jobqueue.Registry) error {
	pm := jobqueue.NewPersistenceManager(st, reg)
	result, err := pm.RecoverJobs(context.Background())
	if err != nil {
		return err
	}

	if result.SuccessCount == 0 && result.FailureCount == 0 {
		fmt.Println("Nothing to recover.")
		return nil
	}
	if result.SuccessCount > 0 {
		fmt.Printf("%d job(s) would be recovered:\n", result.SuccessCount)
		fmt.Printf("%-40s %-24s %-10s %-8s %s\n", "ID", "TYPE", "STATE", "ATTEMPT", "SCHEDULED")
		for _, rj := range result.RecoveredJobs {
			scheduled := "-"
			if !rj.QueuedJob.ScheduledAt.IsZero() {
				scheduled = rj.QueuedJob.ScheduledAt.Format(time.RFC3339)
			}
			fmt.Printf("%-40s %-24s %-10s %-8d %s\n",
				rj.QueuedJob.Job.ID(),
				rj.QueuedJob.Job.Type(),
				rj.State,
				rj.QueuedJob.Attempt,
				scheduled)
		}
	}
	if result.FailureCount > 0 {
		fmt.Printf("%d checkpoint(s) cannot be recovered:\n", result.FailureCount)
		for _, id := range result.CorruptedCheckpoints {
			fmt.Printf("  %s\n", id)
		}
		fmt.Println("Use \"jobqueuectl checkpoints show\" to inspect them and \"jobqueuectl checkpoints remove\" to drop them.")
	}
	return nil
}

func runRecovery(st jobqueue.Store, reg *jobqueue.Registry, timeout time.Duration) error {
	q := jobqueue.New(
		jobqueue.SetStore(st),
		jobqueue.SetRegistry(reg),
		jobqueue.SetDispatchInterval(100*time.Millisecond),
	)
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

	if err := q.Start(); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for q.Stats().QueueSize > 0 {
		if time.Now().After(deadline) {
			left := q.Stats().QueueSize
			q.Close()
			<-done
			return fmt.Errorf("timed out after %v with %d job(s) unfinished", timeout, left)
		}
		time.Sleep(100 * time.Millisecond)
	}

	stats := q.Stats()
	err := q.Close()
	<-done
	fmt.Printf("Processed %d job(s), success rate %.1f%%.\n", stats.TotalJobsProcessed, stats.SuccessRate*100)
	return err
}
