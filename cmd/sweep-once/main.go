package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/workflow"
)

// sweep-once runs a single sweeper pass and prints what it changed. Useful as a
// scheduled job when the server runs with the in-process sweeper disabled.
func main() {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	settings := config.LoadSettings()
	logger := config.GetLogger()
	alerter, closeAlerter, err := workflow.NewAlerter(settings, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alerts: %v\n", err)
		os.Exit(1)
	}
	defer closeAlerter()

	// Refunds are not issued from here; the sweeper only schedules replays.
	services := workflow.NewServices(db, logger, settings, nil, alerter, nil)
	report, err := services.Sweeper.SweepOnce(context.Background())
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
}
