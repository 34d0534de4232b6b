package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagMessageID string

var syncMessageCmd = &cobra.Command{
	Use:   "sync-message",
	Short: "Sync a single message by ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := setup(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.syncer.SyncOne(ctx, flagMessageID); err != nil {
			return err
		}
		fmt.Printf("Message %s synced\n", flagMessageID)
		return nil
	},
}

func init() {
	syncMessageCmd.Flags().StringVar(&flagMessageID, "message-id", "", "the ID of the message to sync")
	_ = syncMessageCmd.MarkFlagRequired("message-id")
	rootCmd.AddCommand(syncMessageCmd)
}
