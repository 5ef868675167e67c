package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"payflow/cmd/server/config"
	sagasdb "payflow/internal/db/sagas"
	"payflow/internal/observability"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	envFile    string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "payflow",
		Short:         "Payment saga orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	cmd.AddCommand(serveCmd(flags))
	cmd.AddCommand(migrateCmd(flags))
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with its HTTP, gRPC and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, flush, err := setup(flags)
			if err != nil {
				return err
			}
			defer flush()

			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(cmd.Context())
		},
	}
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the saga tables in the configured Postgres database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, flush, err := setup(flags)
			if err != nil {
				return err
			}
			defer flush()

			if cfg.Database.URL == "" {
				return errors.New("database.url is required (PAYFLOW_DATABASE_URL)")
			}
			db, err := openPostgres(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := sagasdb.NewPostgresStore(db).InitSchema(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("saga schema is up to date")
			return nil
		},
	}
}

func setup(flags *globalFlags) (config.Config, logr.Logger, func(), error) {
	cfg, err := config.Load(flags.configFile, flags.envFile)
	if err != nil {
		return config.Config{}, logr.Discard(), nil, err
	}
	log, flush, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, logr.Discard(), nil, err
	}
	return cfg, log.WithValues("service", "payflow"), flush, nil
}
