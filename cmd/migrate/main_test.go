package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/data-mesh/internal/config"
)

func TestRootFlags(t *testing.T) {
	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--config", "mesh.yaml", "--wait", "30s"}))

	cfg, err := root.Flags().GetString("config")
	require.NoError(t, err)
	assert.Equal(t, "mesh.yaml", cfg)
	wait, err := root.Flags().GetDuration("wait")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, wait)
}

func TestMigrateUnknownBackend(t *testing.T) {
	err := migrate(context.Background(), config.Config{Backend: "mysql"}, time.Second, zap.NewNop())
	assert.ErrorContains(t, err, `unknown backend "mysql"`)
}
