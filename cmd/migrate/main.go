package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/data-mesh/internal/app"
	"example.com/data-mesh/internal/config"
	"example.com/data-mesh/internal/store"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		wait    time.Duration
	)
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Create or migrate the subscription store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.New(), cfgFile)
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return migrate(cmd.Context(), cfg, wait, logger)
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "config file path")
	root.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for a new DynamoDB table")
	return root
}

func migrate(ctx context.Context, cfg config.Config, wait time.Duration, logger *zap.Logger) error {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := app.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := store.Migrate(db); err != nil {
			return err
		}
		logger.Info("migrations applied")
	case config.BackendDynamoDB:
		awsCfg, err := app.AWSConfig(ctx, cfg)
		if err != nil {
			return err
		}
		st := store.NewSubscriptionDynamo(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
		if err := st.EnsureTable(ctx, wait); err != nil {
			return err
		}
		logger.Info("table ready", zap.String("table", cfg.DynamoTable))
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}
