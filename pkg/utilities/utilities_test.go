package utilities

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGeneratorProducesIncreasingIDs(t *testing.T) {
	g, err := NewIDGenerator(3)
	require.NoError(t, err)

	a, b := g.Next(), g.Next()
	assert.Positive(t, a)
	assert.Greater(t, b, a)
}

func TestIDGeneratorRejectsBadNode(t *testing.T) {
	_, err := NewIDGenerator(-1)
	assert.Error(t, err)
}

func TestNodeFromEnv(t *testing.T) {
	t.Setenv("SNOWFLAKE_NODE", "")
	assert.Equal(t, int64(1), NodeFromEnv())
	t.Setenv("SNOWFLAKE_NODE", "12")
	assert.Equal(t, int64(12), NodeFromEnv())
	t.Setenv("SNOWFLAKE_NODE", "nope")
	assert.Equal(t, int64(1), NodeFromEnv())
}

func TestStampsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewStamp(), NewStamp())
}

func TestActorDefaultsToSystem(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, SystemActor, Actor(ctx))

	ctx = WithPrincipal(ctx, Principal{ID: 9, Name: "alice", Roles: []string{"Admin"}})
	assert.Equal(t, "alice", Actor(ctx))
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.True(t, p.HasRole("Admin"))
	assert.False(t, p.HasRole("Member"))
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("LOG_DEV", "1")
	t.Setenv("LOG_LEVEL", "")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Dev)
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, 24, cfg.RotateHours)
}

func TestInitWithRotatedFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "api.log")
	lg, err := Init(Config{Level: "info", File: file, RotateHours: 1, MaxAgeHours: 2})
	require.NoError(t, err)
	lg.Info("hello")
	_ = lg.Sync()
}
