package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"canteiro.app/internal/app"
	"canteiro.app/internal/config"
	"canteiro.app/internal/store/pg"
)

var (
	cfgFile string
	dsnFlag string
)

var rootCmd = &cobra.Command{
	Use:   "securityctl",
	Short: "Operate the tenant security core",
	Long: `securityctl manages detection policies, incidents, enforcement actions
and feature caches of a securityd installation directly against its database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default $SECURITY_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "PostgreSQL DSN (overrides pg.dsn)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dsnFlag != "" {
		cfg.PG.DSN = dsnFlag
	}
	return cfg, nil
}

// withCore opens the database, wires the core and runs fn.
func withCore(ctx context.Context, fn func(ctx context.Context, core *app.Core) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := pg.Open(cfg.PG.DSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	core, err := app.New(cfg, store)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer core.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return fn(ctx, core)
}
