package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mjherich/gmail-to-sqlite/internal/events"
	"github.com/mjherich/gmail-to-sqlite/internal/httpapi"
	"github.com/mjherich/gmail-to-sqlite/internal/syncer"
)

var flagHTTPAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run periodic incremental syncs with an HTTP control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := setup(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		if flagHTTPAddr != "" {
			a.cfg.HTTPAddr = flagHTTPAddr
		}

		if a.cfg.NATSURL != "" {
			pub, err := events.NewPublisher(a.cfg.NATSURL, a.log)
			if err != nil {
				a.log.Warn("event publisher unavailable, events stay queued", zap.Error(err))
			} else {
				defer pub.Close()
				go pub.DispatchLoop(ctx, a.store)
			}
		}

		manager := syncer.NewManager(a.syncer, a.log)
		go manager.RunPeriodic(ctx, a.cfg.SyncInterval)

		srv := httpapi.New(ctx, manager, a.store, a.log)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Run(a.cfg.HTTPAddr) }()

		select {
		case <-ctx.Done():
			manager.Stop()
			// Let the in-flight run drain and commit its partial
			// checkpoint before the process exits.
			deadline := time.Now().Add(30 * time.Second)
			for manager.IsRunning() && time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
			}
			return nil
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagHTTPAddr, "addr", "", "HTTP listen address (default from HTTP_ADDR env)")
	rootCmd.AddCommand(serveCmd)
}
