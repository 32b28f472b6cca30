package jobqueue_test

import (
	"context"
	"fmt"
	"time"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
)

func ExampleQueue() {
	// Create a new queue with up to 4 jobs executing concurrently
	q := jobqueue.New(
		jobqueue.SetConcurrency(4),
	)

	// Start the queue
	err := q.Start()
	if err != nil {
		fmt.Println("Start failed")
		return
	}
	fmt.Println("Started")

	// Watch for completions
	sub := q.Subscribe()
	defer sub.Close()

	// Add a job that chunks a document
	job := jobqueue.NewDocumentProcessingJob("Hello, this is a tiny document.", 10, 2)
	_, err = q.Add(context.Background(), job)
	if err != nil {
		fmt.Println("Add failed")
		return
	}
	fmt.Println("Job added")

	// Wait for the job to complete
	select {
	case result := <-sub.C():
		fmt.Printf("Succeeded: %v\n", result.Success)
	case <-time.After(5 * time.Second):
		fmt.Println("Job timed out")
		return
	}

	// Stop/Close the queue
	err = q.Stop()
	if err != nil {
		fmt.Println("Stop failed")
		return
	}
	fmt.Println("Stopped")

	// Output:
	// Started
	// Job added
	// Succeeded: true
	// Stopped
}
