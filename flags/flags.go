// Package flags defines the CLI surface of the dispatcher. Every flag can
// also be supplied through an ARGUS_DISPATCH_* environment variable.
package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "ARGUS_DISPATCH"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	ModeFlag = &cli.StringFlag{
		Name:    "mode",
		Value:   "controller",
		EnvVars: prefixEnvVars("MODE"),
		Usage:   "Run mode: 'controller' dispatches and aggregates, 'worker' executes",
	}
	EnvFlag = &cli.StringFlag{
		Name:    "env",
		Value:   "dev",
		EnvVars: prefixEnvVars("ENV"),
		Usage:   "Target environment name (dev/staging/prod)",
	}
	TestDirFlag = &cli.StringFlag{
		Name:    "testdir",
		Value:   "",
		EnvVars: prefixEnvVars("TESTDIR"),
		Usage:   "Directory to scan for test sources",
	}
	ManifestFlag = &cli.StringFlag{
		Name:    "manifest",
		Value:   "",
		EnvVars: prefixEnvVars("MANIFEST"),
		Usage:   "Path to a YAML test manifest (eg. 'suites.yaml'); takes precedence over scanning",
	}
	TestTypeFlag = &cli.StringFlag{
		Name:    "type",
		Value:   "",
		EnvVars: prefixEnvVars("TYPE"),
		Usage:   "Test type filter matched against markers and file paths (eg. 'api')",
	}
	MarkersFlag = &cli.StringFlag{
		Name:    "markers",
		Value:   "",
		EnvVars: prefixEnvVars("MARKERS"),
		Usage:   "Comma-separated marker filter (eg. 'smoke,api')",
	}
	TimeoutFlag = &cli.IntFlag{
		Name:    "timeout",
		Value:   3600,
		EnvVars: prefixEnvVars("TIMEOUT"),
		Usage:   "Controller wait budget in seconds",
	}
	PollIntervalFlag = &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   5 * time.Second,
		EnvVars: prefixEnvVars("POLL_INTERVAL"),
		Usage:   "Interval between controller progress checks",
	}
	MaxTasksFlag = &cli.IntFlag{
		Name:    "max-tasks",
		Value:   0,
		EnvVars: prefixEnvVars("MAX_TASKS"),
		Usage:   "Worker exits after executing this many tasks (0 = unlimited)",
	}
	StrategyFlag = &cli.StringFlag{
		Name:    "strategy",
		Value:   "queue",
		EnvVars: prefixEnvVars("STRATEGY"),
		Usage:   "Task distribution strategy: 'queue' (dynamic pull) or 'static' (LPT pre-partition)",
	}
	PartitionsFlag = &cli.IntFlag{
		Name:    "partitions",
		Value:   0,
		EnvVars: prefixEnvVars("PARTITIONS"),
		Usage:   "Number of partitions for the static strategy",
	}
	PartitionFlag = &cli.IntFlag{
		Name:    "partition",
		Value:   -1,
		EnvVars: prefixEnvVars("PARTITION"),
		Usage:   "Partition index this worker drains (-1 = shared queue)",
	}
	PriorityFlag = &cli.StringFlag{
		Name:    "priority",
		Value:   "normal",
		EnvVars: prefixEnvVars("PRIORITY"),
		Usage:   "Priority label stamped on created tasks",
	}
	ReportFileFlag = &cli.StringFlag{
		Name:    "report",
		Value:   "reports/distributed_test_report.json",
		EnvVars: prefixEnvVars("REPORT"),
		Usage:   "Path the controller writes the JSON report to",
	}
	GoBinaryFlag = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: prefixEnvVars("GO_BINARY"),
		Usage:   "Go binary workers use to run tests",
	}
	RedisURLFlag = &cli.StringFlag{
		Name:    "redis-url",
		Value:   "",
		EnvVars: append(prefixEnvVars("REDIS_URL"), "REDIS_URL"),
		Usage:   "Coordination store URL (eg. 'redis://:password@host:6379/0'); falls back to REDIS_HOST/REDIS_PORT/REDIS_PASSWORD",
	}
	NamespaceFlag = &cli.StringFlag{
		Name:    "namespace",
		Value:   "argus:dispatch",
		EnvVars: prefixEnvVars("NAMESPACE"),
		Usage:   "Key prefix for all coordination store entries",
	}
	MetricsAddrFlag = &cli.StringFlag{
		Name:    "metrics-addr",
		Value:   "",
		EnvVars: prefixEnvVars("METRICS_ADDR"),
		Usage:   "Listen address for Prometheus metrics (empty = disabled)",
	}
	LogLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Usage:   "Log level (trace/debug/info/warn/error)",
	}
)

var requiredFlags = []cli.Flag{
	ModeFlag,
}

var optionalFlags = []cli.Flag{
	EnvFlag,
	TestDirFlag,
	ManifestFlag,
	TestTypeFlag,
	MarkersFlag,
	TimeoutFlag,
	PollIntervalFlag,
	MaxTasksFlag,
	StrategyFlag,
	PartitionsFlag,
	PartitionFlag,
	PriorityFlag,
	ReportFileFlag,
	GoBinaryFlag,
	RedisURLFlag,
	NamespaceFlag,
	MetricsAddrFlag,
	LogLevelFlag,
}

// Flags contains the full flag set of the dispatcher CLI.
var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

// CheckRequired verifies required flags are present.
func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) && ctx.String(f.Names()[0]) == "" {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
