package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/workflow"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Required: tenant id")
	eventID := flag.String("event-id", "", "Required: provider event id")
	action := flag.String("action", "", "Required: replay|complete")
	note := flag.String("note", "", "Stored with action=complete")
	dryRun := flag.Bool("dry-run", true, "Show the event only (no writes)")
	confirm := flag.String("confirm", "", "Type RESOLVE to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" || strings.TrimSpace(*eventID) == "" {
		fmt.Fprintln(os.Stderr, "--tenant-id and --event-id are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "RESOLVE" {
		fmt.Fprintln(os.Stderr, "set --confirm=RESOLVE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	settings := config.LoadSettings()
	services := workflow.NewServices(db, config.GetLogger(), settings, nil, workflow.LogAlerter{Logger: config.GetLogger()}, nil)

	rec, err := services.Store.Get(ctx, *tenantID, *eventID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("tenant_id=%s event_id=%s type=%s status=%s needs_review=%v\n",
		rec.TenantId, rec.EventId, rec.EventType, rec.Status, rec.NeedsReview)
	if *dryRun {
		return
	}

	rec, err = services.Gateway.Resolve(ctx, *tenantID, *eventID, workflow.ResolveAction(strings.TrimSpace(*action)), *note)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("event resolved (status=%s needs_review=%v)\n", rec.Status, rec.NeedsReview)
}
