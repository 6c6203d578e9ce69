package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	dispatch "github.com/argus-qa/test-dispatcher"
	"github.com/argus-qa/test-dispatcher/collector"
	"github.com/argus-qa/test-dispatcher/controller"
	"github.com/argus-qa/test-dispatcher/exitcodes"
	"github.com/argus-qa/test-dispatcher/flags"
	"github.com/argus-qa/test-dispatcher/logging"
	"github.com/argus-qa/test-dispatcher/store"
	"github.com/argus-qa/test-dispatcher/types"
	"github.com/argus-qa/test-dispatcher/worker"
)

var (
	Version   = "v0.3.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "test-dispatcher"
	app.Usage = "Distributed test execution dispatcher"
	app.Description = "Coordinates test execution across worker nodes through a shared Redis store"
	app.Flags = flags.Flags
	app.Action = run

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitcodes.RuntimeErr)
	}
}

func run(ctx *cli.Context) error {
	if err := flags.CheckRequired(ctx); err != nil {
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	log := logging.New(ctx.String(flags.LogLevelFlag.Name))
	cfg, err := dispatch.NewConfig(ctx, log)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create config: %v", err), exitcodes.RuntimeErr)
	}
	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("env", cfg.Env).
		Str("version", Version).
		Msg("test-dispatcher starting")

	if cfg.MetricsAddr != "" {
		startMetricsServer(log, cfg.MetricsAddr)
	}

	// The coordination store is a hard dependency for both roles.
	st, err := store.New(cfg.RedisURL, cfg.Namespace, logging.Component(log, "store"))
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}
	defer st.Close()

	switch cfg.Mode {
	case dispatch.ModeController:
		return runController(ctx.Context, cfg, st, log)
	default:
		return runWorker(ctx.Context, cfg, st, log)
	}
}

func runController(ctx context.Context, cfg *dispatch.Config, st *store.Store, log zerolog.Logger) error {
	coll := collector.New(collector.Config{
		Log:      logging.Component(log, "collector"),
		TestDir:  cfg.TestDir,
		Manifest: cfg.Manifest,
	})

	ctrl, err := controller.New(controller.Config{
		Log:          logging.Component(log, "controller"),
		Store:        st,
		Collector:    coll,
		Markers:      cfg.Markers,
		TestType:     cfg.TestType,
		Strategy:     cfg.Strategy,
		Partitions:   cfg.Partitions,
		Priority:     types.TaskPriority(cfg.Priority),
		WaitBudget:   cfg.WaitBudget,
		PollInterval: cfg.PollInterval,
		ReportFile:   cfg.ReportFile,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create controller: %v", err), exitcodes.RuntimeErr)
	}

	report, err := ctrl.Run(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("controller run failed: %v", err), exitcodes.RuntimeErr)
	}
	if report.HasFailures() {
		return cli.Exit("test failures detected", exitcodes.TestFailure)
	}
	return nil
}

func runWorker(ctx context.Context, cfg *dispatch.Config, st *store.Store, log zerolog.Logger) error {
	queue := store.NewQueue(st)
	if cfg.Partition >= 0 {
		queue = store.NewPartitionQueue(st, cfg.Partition)
		log.Info().Int("partition", cfg.Partition).Msg("worker bound to static partition")
	}

	w, err := worker.New(worker.Config{
		Log:      logging.Component(log, "worker"),
		Store:    st,
		Queue:    queue,
		Executor: worker.NewGoTestExecutor(cfg.GoBinary, ".", logging.Component(log, "executor")),
		MaxTasks: cfg.MaxTasks,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create worker: %v", err), exitcodes.RuntimeErr)
	}

	if err := w.Run(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("worker failed: %v", err), exitcodes.TestFailure)
	}
	return nil
}

func startMetricsServer(log zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}
