package dispatch

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/argus-qa/test-dispatcher/controller"
	"github.com/argus-qa/test-dispatcher/flags"
)

// parseConfig runs the real CLI flag parsing over args and returns the
// resulting config.
func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var (
		cfg *Config
		err error
	)
	app := cli.NewApp()
	app.Flags = flags.Flags
	app.Action = func(ctx *cli.Context) error {
		cfg, err = NewConfig(ctx, zerolog.Nop())
		return nil
	}
	require.NoError(t, app.Run(append([]string{"test-dispatcher"}, args...)))
	return cfg, err
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "--testdir", "tests")
	require.NoError(t, err)

	require.Equal(t, ModeController, cfg.Mode)
	require.Equal(t, controller.StrategyQueue, cfg.Strategy)
	require.Equal(t, "tests", cfg.TestDir)
	require.Empty(t, cfg.Markers)
	require.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	require.Equal(t, "argus:dispatch", cfg.Namespace)
	require.Equal(t, -1, cfg.Partition)
	require.Positive(t, cfg.WaitBudget)
	require.Positive(t, cfg.PollInterval)
}

func TestNewConfigParsesMarkers(t *testing.T) {
	cfg, err := parseConfig(t, "--testdir", "tests", "--markers", "smoke, api,,slow")
	require.NoError(t, err)
	require.Equal(t, []string{"smoke", "api", "slow"}, cfg.Markers)
}

func TestNewConfigRejectsInvalidMode(t *testing.T) {
	_, err := parseConfig(t, "--mode", "observer")
	require.Error(t, err)
}

func TestNewConfigRejectsInvalidStrategy(t *testing.T) {
	_, err := parseConfig(t, "--testdir", "tests", "--strategy", "roundrobin")
	require.Error(t, err)
}

func TestNewConfigControllerNeedsTestSource(t *testing.T) {
	_, err := parseConfig(t)
	require.Error(t, err)
	require.Contains(t, err.Error(), "test directory or a manifest")
}

func TestNewConfigStaticNeedsPartitions(t *testing.T) {
	_, err := parseConfig(t, "--testdir", "tests", "--strategy", "static")
	require.Error(t, err)

	cfg, err := parseConfig(t, "--testdir", "tests", "--strategy", "static", "--partitions", "3")
	require.NoError(t, err)
	require.Equal(t, controller.StrategyStatic, cfg.Strategy)
	require.Equal(t, 3, cfg.Partitions)
}

func TestNewConfigWorkerNeedsNoTestSource(t *testing.T) {
	cfg, err := parseConfig(t, "--mode", "worker", "--partition", "2")
	require.NoError(t, err)
	require.Equal(t, ModeWorker, cfg.Mode)
	require.Equal(t, 2, cfg.Partition)
}

func TestRedisURLEnvFallback(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg, err := parseConfig(t, "--testdir", "tests")
	require.NoError(t, err)
	require.Equal(t, "redis://:hunter2@redis.internal:6380", cfg.RedisURL)
}

func TestRedisURLExplicitWins(t *testing.T) {
	t.Setenv("REDIS_HOST", "ignored")

	cfg, err := parseConfig(t, "--testdir", "tests", "--redis-url", "redis://explicit:6379/1")
	require.NoError(t, err)
	require.Equal(t, "redis://explicit:6379/1", cfg.RedisURL)
}
