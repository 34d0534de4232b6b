package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mjherich/gmail-to-sqlite/internal/events"
	"github.com/mjherich/gmail-to-sqlite/internal/syncer"
)

var flagFullSync bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync all messages (incremental by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := setup(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		run, err := a.syncer.Sync(ctx, flagFullSync)
		if run != nil {
			printSummary(run.Summary())
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		if a.cfg.NATSURL != "" {
			dispatchEvents(ctx, a)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&flagFullSync, "full-sync", false, "force a full sync and detect deleted messages")
	rootCmd.AddCommand(syncCmd)
}

func printSummary(sum syncer.Summary) {
	fmt.Printf("Sync finished (%s)\n", sum.Mode)
	fmt.Printf("  fetched:  %d (new %d, updated %d)\n", sum.Fetched, sum.Inserted, sum.Updated)
	fmt.Printf("  failed:   %d\n", sum.Failed)
	fmt.Printf("  deleted:  %d\n", sum.Deleted)
	if sum.Cancelled {
		fmt.Println("  run was interrupted; re-run to pick up where it left off")
	}
	for i, e := range sum.Errors {
		if i >= 5 {
			fmt.Printf("  ... and %d more (see log)\n", len(sum.Errors)-i)
			break
		}
		fmt.Printf("  error: %s: %s\n", e.MessageID, e.Cause)
	}
}

// dispatchEvents pushes the outbox entries this run produced. Failures are
// logged only; the outbox keeps them for the next attempt.
func dispatchEvents(ctx context.Context, a *app) {
	pub, err := events.NewPublisher(a.cfg.NATSURL, a.log)
	if err != nil {
		a.log.Warn("event publisher unavailable, events stay queued", zap.Error(err))
		return
	}
	defer pub.Close()

	if err := pub.DispatchPending(ctx, a.store); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("event dispatch incomplete", zap.Error(err))
	}
}
