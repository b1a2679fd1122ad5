package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"example.com/data-mesh/internal/app"
	"example.com/data-mesh/internal/cli"
	"example.com/data-mesh/internal/config"
)

func main() {
	var cfgFile string
	root := &cobra.Command{
		Use:          "meshctl",
		Short:        "Manage data mesh subscriptions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cli.AddCommands(root, func(ctx context.Context) (cli.Service, func() error, error) {
		cfg, err := config.Load(config.New(), cfgFile)
		if err != nil {
			return nil, nil, err
		}
		logger, err := app.NewLogger(cfg.LogLevel)
		if err != nil {
			return nil, nil, err
		}
		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return a.Coordinator, func() error {
			_ = logger.Sync()
			return a.Close()
		}, nil
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
