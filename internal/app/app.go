// Package app wires the mesh components from configuration. Every client is
// constructed here and passed down explicitly.
package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/lakeformation"
	"github.com/aws/aws-sdk-go-v2/service/ram"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/data-mesh/internal/authz"
	"example.com/data-mesh/internal/catalog"
	"example.com/data-mesh/internal/config"
	"example.com/data-mesh/internal/coordinator"
	"example.com/data-mesh/internal/events"
	"example.com/data-mesh/internal/filter"
	"example.com/data-mesh/internal/grants"
	"example.com/data-mesh/internal/identity"
	"example.com/data-mesh/internal/metrics"
	"example.com/data-mesh/internal/shares"
	"example.com/data-mesh/internal/store"
	"example.com/data-mesh/internal/tracker"
)

type App struct {
	Config      config.Config
	Coordinator *coordinator.Coordinator
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry
	Logger      *zap.Logger

	events events.Publisher
}

// NewLogger builds the process logger for a configured level.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func AWSConfig(ctx context.Context, cfg config.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// OpenStore returns the configured subscription store.
func OpenStore(cfg config.Config, awsCfg aws.Config) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return store.NewSubscriptionSQL(db), nil
	case config.BackendDynamoDB:
		return store.NewSubscriptionDynamo(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	awsCfg, err := AWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	st, err := OpenStore(cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var who identity.Provider = identity.NewSTS(sts.NewFromConfig(awsCfg))
	if cfg.Actor != "" {
		who = identity.Static(cfg.Actor)
	}

	pub := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	engine, err := filter.NewEngine()
	if err != nil {
		return nil, err
	}

	az := authz.NewRetrying(
		authz.NewLakeFormation(lakeformation.NewFromConfig(awsCfg), cfg.MeshAccountID, logger),
		authz.RetryPolicy{Attempts: cfg.Retry.Attempts, BaseDelay: cfg.Retry.BaseDelay},
		logger,
		m.Retry,
	)

	c := coordinator.New(coordinator.Deps{
		Tracker: tracker.New(st, who, logger,
			tracker.WithPublisher(pub),
			tracker.WithMetrics(m)),
		Authz:       az,
		Catalog:     catalog.NewResolver(catalog.NewGlue(glue.NewFromConfig(awsCfg), cfg.MeshAccountID)),
		Shares:      shares.NewRAM(ram.NewFromConfig(awsCfg), logger),
		Filter:      engine,
		Locator:     grants.Locator{Region: awsCfg.Region, CatalogID: cfg.MeshAccountID},
		Metrics:     m,
		Logger:      logger,
		MeshAccount: cfg.MeshAccountID,
	})

	return &App{
		Config:      cfg,
		Coordinator: c,
		Metrics:     m,
		Registry:    reg,
		Logger:      logger,
		events:      pub,
	}, nil
}

func (a *App) Close() error {
	return a.events.Close()
}
