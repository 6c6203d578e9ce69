// Package worker implements the pull-execute-report loop one worker
// process runs. Workers are stateless between tasks: everything they know
// about the run arrives through the coordination store.
package worker

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/argus-qa/test-dispatcher/metrics"
	"github.com/argus-qa/test-dispatcher/store"
	"github.com/argus-qa/test-dispatcher/types"
)

const (
	// DefaultPopTimeout bounds one blocking queue pop so the loop can
	// re-check shutdown conditions.
	DefaultPopTimeout = 5 * time.Second
	// DefaultIdleSleep is the pause between polls when the queue is empty.
	DefaultIdleSleep = time.Second

	shutdownTimeout = 5 * time.Second
)

// Config contains worker configuration.
type Config struct {
	Log      zerolog.Logger
	Store    *store.Store
	Queue    *store.Queue
	Executor Executor

	// MaxTasks stops the worker after this many executions; 0 means run
	// until interrupted.
	MaxTasks int

	PopTimeout        time.Duration
	IdleSleep         time.Duration
	HeartbeatInterval time.Duration
}

// Worker is one node's task-execution loop: IDLE until a task arrives,
// RUNNING while the external test executes, back to IDLE after the result
// is pushed.
type Worker struct {
	cfg      Config
	registry *store.Registry
	executed int
}

// New creates a worker with a fresh node identity.
func New(cfg Config) (*Worker, error) {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultPopTimeout
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = store.DefaultHeartbeatInterval
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	started := time.Now()
	node := types.NodeInfo{
		NodeID:    types.NodeID(hostname, started),
		Hostname:  hostname,
		IP:        localIP(),
		Status:    types.NodeStatusIdle,
		StartedAt: started,
	}
	return &Worker{
		cfg:      cfg,
		registry: store.NewRegistry(cfg.Store, node),
	}, nil
}

// NodeID returns this worker's node identity.
func (w *Worker) NodeID() string {
	return w.registry.NodeID()
}

// Executed returns how many tasks this worker has run.
func (w *Worker) Executed() int {
	return w.executed
}

// Run executes the worker loop until the context is canceled or the task
// cap is reached. On the way out the worker stops its heartbeat and
// unregisters; an in-flight execution finishes or is killed by its own
// per-task timeout, whichever comes first.
func (w *Worker) Run(ctx context.Context) error {
	log := w.cfg.Log.With().Str("node_id", w.NodeID()).Logger()
	log.Info().Msg("worker starting")

	if err := w.registry.Register(ctx); err != nil {
		return err
	}
	w.registry.StartHeartbeat(ctx, w.cfg.HeartbeatInterval)

	defer func() {
		w.registry.StopHeartbeat()
		// The run context may already be canceled; give the final
		// cleanup its own deadline.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.registry.Unregister(cleanupCtx); err != nil {
			log.Error().Err(err).Msg("failed to unregister node")
		}
		log.Info().Int("tasks_executed", w.executed).Msg("worker stopped")
	}()

	for {
		if ctx.Err() != nil {
			log.Info().Msg("interrupt received, stopping worker")
			return nil
		}
		if w.cfg.MaxTasks > 0 && w.executed >= w.cfg.MaxTasks {
			log.Info().Int("max_tasks", w.cfg.MaxTasks).Msg("task cap reached")
			return nil
		}

		task, err := w.cfg.Queue.Pop(ctx, w.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("interrupt received, stopping worker")
				return nil
			}
			log.Error().Err(err).Msg("failed to pop task")
			metrics.RecordError("pop_task")
			w.sleep(ctx)
			continue
		}
		if task == nil {
			log.Debug().Msg("no task available")
			w.sleep(ctx)
			continue
		}

		result := w.execute(ctx, task)
		if err := w.cfg.Queue.PushResult(ctx, result); err != nil {
			// The result is lost; at-least-once delivery means the
			// controller may re-dispatch the task to another node.
			log.Error().Err(err).Str("task_id", task.ID).Msg("failed to push result")
			metrics.RecordError("push_result")
		}
		w.executed++
	}
}

// execute runs one task and classifies its outcome. Failures of any kind
// become result data, never process crashes.
func (w *Worker) execute(ctx context.Context, task *types.Task) *types.Result {
	log := w.cfg.Log.With().Str("node_id", w.NodeID()).Str("task_id", task.ID).Logger()
	log.Info().Str("test", task.FullName).Msg("task started")

	w.updateStatus(ctx, func(n *types.NodeInfo) {
		n.Status = types.NodeStatusRunning
		n.CurrentTask = task.ID
	})

	start := time.Now()
	execRes := w.cfg.Executor.Execute(ctx, task)
	end := time.Now()

	result := &types.Result{
		TaskID:     task.ID,
		NodeID:     w.NodeID(),
		TestFile:   task.TestFile,
		TestName:   task.TestName,
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start).Seconds(),
		Stdout:     execRes.Stdout,
		Stderr:     execRes.Stderr,
		ReturnCode: execRes.ReturnCode,
	}

	switch {
	case execRes.TimedOut:
		result.Status = types.ResultStatusTimeout
		result.Error = "test execution timed out after " + task.Timeout().String()
	case execRes.Err != nil:
		result.Status = types.ResultStatusError
		result.Error = execRes.Err.Error()
	case execRes.ReturnCode == 0:
		result.Status = types.ResultStatusPassed
	default:
		result.Status = types.ResultStatusFailed
	}

	w.updateStatus(ctx, func(n *types.NodeInfo) {
		n.Status = types.NodeStatusIdle
		n.CurrentTask = ""
		n.TestsExecuted++
		if result.Passed() {
			n.TestsPassed++
		} else {
			n.TestsFailed++
		}
	})

	metrics.RecordExecution(w.NodeID(), result.Status, end.Sub(start))
	log.Info().
		Str("status", string(result.Status)).
		Float64("duration", result.Duration).
		Msg("task finished")
	return result
}

// updateStatus refreshes the node record; a failed write is logged and
// tolerated, matching heartbeat semantics.
func (w *Worker) updateStatus(ctx context.Context, mutate func(*types.NodeInfo)) {
	if err := w.registry.UpdateStatus(ctx, mutate); err != nil {
		w.cfg.Log.Error().Err(err).Msg("failed to update node status")
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-time.After(w.cfg.IdleSleep):
	case <-ctx.Done():
	}
}

// localIP discovers the node's outbound address without sending traffic.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
