package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"hotspot_billing/internal/app"
	"hotspot_billing/internal/config"
	"hotspot_billing/internal/models"
	"hotspot_billing/internal/services"
)

func main() {
	status := flag.String("status", "", "List transactions in this status (pending, completed, failed, failed_authorization, expired); empty lists all")
	limit := flag.Int("limit", 50, "Max transactions to list")
	runTask := flag.String("run", "", "Run one worker task now instead of listing (e.g. expire_access)")
	asJSON := flag.Bool("json", false, "Print JSON instead of a table")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := services.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialise: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.TaskTimeout+30*time.Second)
	defer cancel()

	if *runTask != "" {
		run, err := a.Runner.RunTask(ctx, *runTask)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unknown task %q. Available: %v\n", *runTask, a.Tasks.Names())
			os.Exit(1)
		}
		printJSON(run)
		if run.Status == models.SweepRunStatusFailure {
			os.Exit(1)
		}
		return
	}

	txns, err := a.Orchestrator.ListByStatus(ctx, models.TransactionStatus(*status), *limit)
	if err != nil {
		log.Fatalf("Failed to list transactions: %v", err)
	}

	if *asJSON {
		printJSON(txns)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tBUNDLE\tAMOUNT\tMAC\tIP\tRECEIPT\tEXPIRES")
	for _, txn := range txns {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			txn.ID, txn.Status, txn.Bundle.Name, txn.Amount.StringFixed(2),
			txn.HardwareAddress, txn.NetworkAddress, deref(txn.PaymentReference), formatTime(txn.ExpiresAt))
	}
	_ = w.Flush()
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
