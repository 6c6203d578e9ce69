// Package dispatch wires together the pieces of the distributed test
// dispatcher: configuration, the coordination store, the collector, and the
// controller/worker roles.
package dispatch

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/argus-qa/test-dispatcher/controller"
	"github.com/argus-qa/test-dispatcher/flags"
)

// Mode selects which role this process plays.
type Mode string

const (
	ModeController Mode = "controller"
	ModeWorker     Mode = "worker"
)

// Config carries every setting the dispatcher needs. It is built once from
// the CLI context and passed explicitly into the collector, controller and
// worker constructors; there is no process-global configuration state.
type Config struct {
	Log  zerolog.Logger
	Mode Mode
	Env  string

	// Discovery.
	TestDir  string
	Manifest string
	Markers  []string
	TestType string

	// Dispatch.
	Strategy   controller.Strategy
	Partitions int
	Priority   string

	// Controller wait phase.
	WaitBudget   time.Duration
	PollInterval time.Duration
	ReportFile   string

	// Worker.
	MaxTasks  int
	Partition int
	GoBinary  string

	// Coordination store.
	RedisURL  string
	Namespace string

	MetricsAddr string
}

// NewConfig builds a Config from CLI flags and validates it.
func NewConfig(ctx *cli.Context, log zerolog.Logger) (*Config, error) {
	mode := Mode(ctx.String(flags.ModeFlag.Name))
	if mode != ModeController && mode != ModeWorker {
		return nil, fmt.Errorf("invalid mode %q: must be %q or %q", mode, ModeController, ModeWorker)
	}

	strategy := controller.Strategy(ctx.String(flags.StrategyFlag.Name))
	if strategy != controller.StrategyQueue && strategy != controller.StrategyStatic {
		return nil, fmt.Errorf("invalid strategy %q: must be %q or %q", strategy, controller.StrategyQueue, controller.StrategyStatic)
	}

	var markers []string
	if raw := ctx.String(flags.MarkersFlag.Name); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				markers = append(markers, m)
			}
		}
	}

	cfg := &Config{
		Log:          log,
		Mode:         mode,
		Env:          ctx.String(flags.EnvFlag.Name),
		TestDir:      ctx.String(flags.TestDirFlag.Name),
		Manifest:     ctx.String(flags.ManifestFlag.Name),
		Markers:      markers,
		TestType:     ctx.String(flags.TestTypeFlag.Name),
		Strategy:     strategy,
		Partitions:   ctx.Int(flags.PartitionsFlag.Name),
		Priority:     ctx.String(flags.PriorityFlag.Name),
		WaitBudget:   time.Duration(ctx.Int(flags.TimeoutFlag.Name)) * time.Second,
		PollInterval: ctx.Duration(flags.PollIntervalFlag.Name),
		ReportFile:   ctx.String(flags.ReportFileFlag.Name),
		MaxTasks:     ctx.Int(flags.MaxTasksFlag.Name),
		Partition:    ctx.Int(flags.PartitionFlag.Name),
		GoBinary:     ctx.String(flags.GoBinaryFlag.Name),
		RedisURL:     redisURL(ctx.String(flags.RedisURLFlag.Name)),
		Namespace:    ctx.String(flags.NamespaceFlag.Name),
		MetricsAddr:  ctx.String(flags.MetricsAddrFlag.Name),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// redisURL resolves the store address: an explicit URL wins, otherwise one
// is assembled from the conventional REDIS_HOST/REDIS_PORT/REDIS_PASSWORD
// environment variables, defaulting to a local instance.
func redisURL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	u := &url.URL{Scheme: "redis", Host: host + ":" + port}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		u.User = url.UserPassword("", password)
	}
	return u.String()
}

// Validate checks cross-field constraints that flag parsing cannot express.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("coordination store address is required (set %s or REDIS_HOST/REDIS_PORT)", flags.RedisURLFlag.Name)
	}
	if c.Mode == ModeController {
		if c.TestDir == "" && c.Manifest == "" {
			return fmt.Errorf("controller mode requires a test directory or a manifest")
		}
		if c.Strategy == controller.StrategyStatic && c.Partitions <= 0 {
			return fmt.Errorf("static strategy requires a positive partition count")
		}
		if c.WaitBudget <= 0 {
			return fmt.Errorf("wait budget must be positive")
		}
		if c.PollInterval <= 0 {
			return fmt.Errorf("poll interval must be positive")
		}
	}
	if c.Mode == ModeWorker && c.Partition < -1 {
		return fmt.Errorf("partition index must be -1 (shared queue) or a partition number")
	}
	return nil
}
