package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	alpacabroker "github.com/sawpanic/allocrun/internal/broker/alpaca"
	"github.com/sawpanic/allocrun/internal/persistence/postgres"
	"github.com/sawpanic/allocrun/internal/reconcile"
)

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the fill ledger against broker records",
		Long: `Reconciles the durable live-fill ledger against the broker's fill
history over a window. Advisory: discrepancies are reported, nothing
is mutated.`,
		RunE: runReconcile,
	}

	cmd.Flags().Int("days", 7, "Window length in days, ending now")
	return cmd
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("reconciliation needs a durable ledger: set database.dsn")
	}
	days, _ := cmd.Flags().GetInt("days")
	if days <= 0 {
		return fmt.Errorf("days must be positive, got %d", days)
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ledger := postgres.NewLedgerRepo(db, cfg.Database.Timeout)
	brk := alpacabroker.NewClient(alpacabroker.Opts{
		BaseURL:           cfg.Broker.BaseURL,
		RequestsPerMinute: cfg.Broker.RequestsPerMinute,
		RequestTimeout:    cfg.Broker.RequestTimeout,
	})

	to := time.Now()
	from := to.AddDate(0, 0, -days)
	report, err := reconcile.NewService(brk, ledger, nil).Run(ctx, from, to)
	if err != nil {
		return err
	}

	fmt.Printf("Window:             %s .. %s\n", from.Format("2006-01-02"), to.Format("2006-01-02"))
	fmt.Printf("Matched:            %d\n", report.Matched)
	fmt.Printf("Ledger-only fills:  %d\n", len(report.LocalOnly))
	fmt.Printf("Broker-only fills:  %d\n", len(report.BrokerOnly))
	fmt.Printf("Quantity mismatches: %d\n", len(report.QuantityMismatch))
	if report.Clean() {
		fmt.Println("Ledger and broker agree.")
		return nil
	}
	for _, fill := range report.BrokerOnly {
		fmt.Printf("  broker-only: %s %s %d @ %s (%s)\n",
			fill.Direction, fill.Symbol, fill.Quantity,
			fill.FillPrice.StringFixed(2), fill.BrokerOrderID)
	}
	for _, fill := range report.LocalOnly {
		fmt.Printf("  ledger-only: %s %s %d @ %s (%s)\n",
			fill.Direction, fill.Symbol, fill.Quantity,
			fill.FillPrice.StringFixed(2), fill.ClientOrderID)
	}
	for _, pair := range report.QuantityMismatch {
		fmt.Printf("  quantity mismatch: %s ledger=%d broker=%d\n",
			pair[0].Symbol, pair[0].Quantity, pair[1].Quantity)
	}
	return fmt.Errorf("reconciliation found discrepancies")
}
