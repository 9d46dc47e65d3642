package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			if cfg.Database.Driver != "postgres" {
				return errors.New("migrate requires database.driver postgres")
			}
			db, err := openDatabase(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			return db.Close()
		},
	}
}

func settleCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "settle [auction-id]",
		Short: "Run or resume settlement for one auction, or every CLOSED auction with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("pass an auction id or --all, not both")
			}
			if !all && len(args) != 1 {
				return errors.New("an auction id is required unless --all is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				return a.engine.ResumePending(ctx)
			}

			rec, err := a.engine.Settle(ctx, args[0])
			if rec != nil {
				telemetry.Logger.Info("Settlement finished",
					zap.String("auction_id", rec.AuctionID),
					zap.String("status", string(rec.Status)),
					zap.String("winner_id", rec.WinnerID),
					zap.Int64("capture_amount", rec.CaptureAmount),
				)
			}
			if err != nil {
				return fmt.Errorf("settle %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "resume every CLOSED auction")
	return cmd
}
