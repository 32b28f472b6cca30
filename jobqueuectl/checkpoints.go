package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
)

// CheckpointsCmd groups the commands that work on raw checkpoints.
func CheckpointsCmd() *cobra.Command {
	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and manage stored job checkpoints",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all job checkpoints in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := context.Background()

			keys, err := st.Keys(ctx, jobqueue.CheckpointKeyPrefix)
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			if len(keys) == 0 {
				fmt.Println("No checkpoints in the store.")
				return nil
			}

			fmt.Printf("%-40s %-24s %-10s %-8s %s\n", "ID", "TYPE", "STATE", "ATTEMPT", "UPDATED")
			for _, key := range keys {
				id := key[len(jobqueue.CheckpointKeyPrefix):]
				value, err := st.Get(ctx, key)
				if err != nil {
					fmt.Printf("%-40s (unreadable: %v)\n", id, err)
					continue
				}
				var cp jobqueue.Checkpoint
				if err := json.Unmarshal(value, &cp); err != nil || cp.Job == nil {
					fmt.Printf("%-40s (corrupted)\n", id)
					continue
				}
				fmt.Printf("%-40s %-24s %-10s %-8d %s\n",
					id,
					cp.Job.Type,
					cp.State,
					cp.Attempt,
					time.Unix(0, cp.UpdatedAt).Format(time.RFC3339))
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [job-id]",
		Short: "Print the raw checkpoint of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			value, err := st.Get(context.Background(), jobqueue.CheckpointKeyPrefix+args[0])
			if err == jobqueue.ErrNotFound {
				return fmt.Errorf("no checkpoint for job %s", args[0])
			}
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, value, "", "  "); err != nil {
				// Not JSON; print as is.
				fmt.Println(string(value))
				return nil
			}
			fmt.Println(pretty.String())
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove [job-id]",
		Short: "Remove the checkpoint of a job",
		Long: "Remove the checkpoint of a job from the store. The job will no longer " +
			"be recovered after a restart. Removing is also the way to get rid of " +
			"corrupted checkpoints, which recovery leaves in the store on purpose.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Delete(context.Background(), jobqueue.CheckpointKeyPrefix+args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed checkpoint of job %s.\n", args[0])
			return nil
		},
	}

	checkpointsCmd.AddCommand(listCmd)
	checkpointsCmd.AddCommand(showCmd)
	checkpointsCmd.AddCommand(removeCmd)
	return checkpointsCmd
}

// StatsCmd reports how many checkpoints the store holds, by state.
func StatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show a summary of the checkpoints in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := context.Background()

			keys, err := st.Keys(ctx, jobqueue.CheckpointKeyPrefix)
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}

			byState := make(map[jobqueue.CheckpointState]int)
			var corrupted int
			for _, key := range keys {
				value, err := st.Get(ctx, key)
				if err != nil {
					corrupted++
					continue
				}
				var cp jobqueue.Checkpoint
				if err := json.Unmarshal(value, &cp); err != nil || cp.Job == nil {
					corrupted++
					continue
				}
				byState[cp.State]++
			}

			fmt.Printf("Checkpoints: %d\n", len(keys))
			for _, state := range []jobqueue.CheckpointState{
				jobqueue.CheckpointQueued,
				jobqueue.CheckpointRunning,
				jobqueue.CheckpointCompleted,
			} {
				if n := byState[state]; n > 0 {
					fmt.Printf("  %-10s %d\n", state, n)
				}
			}
			if corrupted > 0 {
				fmt.Printf("  %-10s %d\n", "corrupted", corrupted)
			}
			return nil
		},
	}
}
