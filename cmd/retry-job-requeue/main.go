package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/mmdatafocus/booking_backend/workflow"
)

func main() {
	jobID := flag.Int("job-id", 0, "retry_jobs.id to requeue (0 lists dead-lettered jobs)")
	limit := flag.Int("limit", 50, "Max jobs to list")
	tenantId := flag.String("tenant-id", "", "Only list jobs of this tenant")
	dryRun := flag.Bool("dry-run", true, "Show the job only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	queue := workflow.NewRetryQueue(db, config.GetLogger(), nil, config.LoadSettings())

	if *jobID <= 0 {
		jobs, err := queue.List(ctx, strings.TrimSpace(*tenantId), models.RetryJobStatusDeadLettered, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
			os.Exit(1)
		}
		for _, job := range jobs {
			printJob(job)
		}
		return
	}

	job, err := queue.Get(ctx, *jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	printJob(*job)
	if *dryRun {
		return
	}

	job, err = queue.Requeue(ctx, *jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "requeue failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("retry job %d requeued (status=%s)\n", job.ID, job.Status)
}

func printJob(job models.RetryJob) {
	lastError := ""
	if job.LastError != nil {
		lastError = *job.LastError
	}
	fmt.Printf("id=%d tenant_id=%s operation=%s key=%s status=%s attempts=%d/%d correlation_id=%s last_error=%q\n",
		job.ID, job.TenantId, job.OperationType, job.IdempotencyKey, job.Status, job.Attempts, job.MaxAttempts, job.CorrelationId, lastError)
}
