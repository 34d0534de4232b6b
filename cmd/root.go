// Package cmd is the CLI surface over the sync engine. It parses flags,
// wires configuration, credentials, storage and the remote client, and
// prints run summaries; everything substantive lives in internal packages.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mjherich/gmail-to-sqlite/internal/auth"
	"github.com/mjherich/gmail-to-sqlite/internal/config"
	"github.com/mjherich/gmail-to-sqlite/internal/gmail"
	"github.com/mjherich/gmail-to-sqlite/internal/store"
	"github.com/mjherich/gmail-to-sqlite/internal/syncer"
)

var (
	flagAccount     string
	flagDataDir     string
	flagCredentials string
	flagWorkers     int
)

var rootCmd = &cobra.Command{
	Use:           "gmail-to-sqlite",
	Short:         "Sync a Gmail mailbox into a local SQLite database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagAccount, "account", "a", "", "account name (default from ACCOUNT env)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default from DATA_DIR env)")
	rootCmd.PersistentFlags().StringVar(&flagCredentials, "credentials", "", "OAuth client credentials file")
	rootCmd.PersistentFlags().IntVarP(&flagWorkers, "workers", "w", 0, "number of fetch workers")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles everything a command needs, constructed in dependency order:
// config, logger, credentials (a fatal precondition, checked before any
// sync state is touched), store, remote client, engine.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *store.Store
	syncer *syncer.Syncer
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func setup(ctx context.Context, emitEvents bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagAccount != "" {
		cfg.Account = flagAccount
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagCredentials != "" {
		cfg.CredentialsPath = flagCredentials
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.AccountDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	httpClient, err := auth.Client(ctx, cfg.CredentialsPath, cfg.Account, cfg.AccountDir())
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.AccountDir())
	if err != nil {
		return nil, err
	}

	client, err := gmail.New(ctx, httpClient)
	if err != nil {
		st.Close()
		return nil, err
	}

	s := syncer.New(client, st, log, syncer.Options{
		Account:              cfg.Account,
		Workers:              cfg.Workers,
		MaxRetries:           cfg.MaxRetries,
		FailureRateThreshold: cfg.FailureRateThreshold,
		EmitEvents:           emitEvents && cfg.NATSURL != "",
	})

	return &app{cfg: cfg, log: log, store: st, syncer: s}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// signalContext cancels on the first SIGINT/SIGTERM so in-flight work can
// drain and the partial checkpoint can commit. A second signal forces an
// immediate exit without a final commit; the next incremental run recovers.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		fmt.Fprintln(os.Stderr, "shutdown requested, waiting for in-flight work (interrupt again to force)")
		cancel()
		<-ch
		fmt.Fprintln(os.Stderr, "forced shutdown")
		os.Exit(1)
	}()

	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
