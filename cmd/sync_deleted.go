package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncDeletedCmd = &cobra.Command{
	Use:   "sync-deleted-messages",
	Short: "Detect and mark messages deleted on the remote side",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := setup(ctx, false)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.syncer.SyncDeleted(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Marked %d messages as deleted\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncDeletedCmd)
}
