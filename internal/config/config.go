// Package config loads process configuration from the environment, an
// optional .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	Backend       string
	DatabaseURL   string
	DynamoTable   string
	MeshAccountID string
	Region        string
	HTTPAddr      string
	KafkaBrokers  []string
	KafkaTopic    string
	Retry         Retry
	LogLevel      string
	// Actor overrides the caller identity stamped on writes. When empty the
	// STS caller ARN is used.
	Actor string
}

type Retry struct {
	Attempts  int
	BaseDelay time.Duration
}

func defaults(v *viper.Viper) {
	v.SetDefault("store.backend", BackendPostgres)
	v.SetDefault("database_url", "")
	v.SetDefault("dynamodb.table", "AwsDataMeshSubscriptions")
	v.SetDefault("mesh.account_id", "")
	v.SetDefault("aws.region", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "mesh.subscriptions")
	v.SetDefault("retry.attempts", 5)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("actor", "")
}

// New returns a viper instance reading MESH_ prefixed environment variables,
// so MESH_STORE_BACKEND sets store.backend.
func New() *viper.Viper {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env (if present) and then file (if set) into v.
func Load(v *viper.Viper, file string) (Config, error) {
	_ = godotenv.Load()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	c := FromViper(v)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func FromViper(v *viper.Viper) Config {
	return Config{
		Backend:       strings.ToLower(v.GetString("store.backend")),
		DatabaseURL:   v.GetString("database_url"),
		DynamoTable:   v.GetString("dynamodb.table"),
		MeshAccountID: v.GetString("mesh.account_id"),
		Region:        v.GetString("aws.region"),
		HTTPAddr:      v.GetString("http.addr"),
		KafkaBrokers:  brokers(v.GetStringSlice("kafka.brokers")),
		KafkaTopic:    v.GetString("kafka.topic"),
		Retry: Retry{
			Attempts:  v.GetInt("retry.attempts"),
			BaseDelay: v.GetDuration("retry.base_delay"),
		},
		LogLevel: v.GetString("log.level"),
		Actor:    v.GetString("actor"),
	}
}

// brokers accepts both list values and a single comma separated string.
func brokers(in []string) []string {
	var out []string
	for _, b := range in {
		for _, p := range strings.Split(b, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if c.MeshAccountID == "" {
		errs = append(errs, errors.New("mesh.account_id is required"))
	}
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the postgres backend"))
		}
	case BackendDynamoDB:
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("dynamodb.table is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Backend))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	return errors.Join(errs...)
}
