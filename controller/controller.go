// Package controller implements the run orchestration: discover tests,
// dispatch them as tasks, wait for the fleet to chew through them, drain
// the results, and aggregate a report.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/argus-qa/test-dispatcher/collector"
	"github.com/argus-qa/test-dispatcher/metrics"
	"github.com/argus-qa/test-dispatcher/store"
	"github.com/argus-qa/test-dispatcher/types"
)

// Strategy selects how tasks reach workers.
type Strategy string

const (
	// StrategyQueue puts every task on one shared list all workers pull
	// from; load balancing is emergent.
	StrategyQueue Strategy = "queue"
	// StrategyStatic pre-balances tasks into per-partition lists with the
	// LPT heuristic; each worker drains exactly one partition.
	StrategyStatic Strategy = "static"
)

const (
	// DefaultWaitBudget caps the wait phase.
	DefaultWaitBudget = time.Hour
	// DefaultPollInterval is the pause between progress checks.
	DefaultPollInterval = 5 * time.Second

	// completionDebounce is how many consecutive empty-queue polls count
	// as a completion signal when result accounting cannot settle the
	// question (eg. results lost past their retry budget).
	completionDebounce = 3

	// dispatchLockName is the advisory lock that keeps two controllers
	// from dispatching over each other. Task delivery safety does not
	// depend on it; the queue's atomic pop covers that.
	dispatchLockName = "controller"
)

// WaitTimeoutError indicates the wait budget ran out before every task was
// accounted for. The run proceeds to a partial report.
type WaitTimeoutError struct {
	Budget    time.Duration
	Remaining int
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait budget %s exceeded with %d tasks unaccounted for", e.Budget, e.Remaining)
}

// IsWaitTimeout checks if the error is or wraps a WaitTimeoutError.
func IsWaitTimeout(err error) bool {
	var waitErr *WaitTimeoutError
	return err != nil && errors.As(err, &waitErr)
}

// Config contains controller configuration.
type Config struct {
	Log       zerolog.Logger
	Store     *store.Store
	Collector *collector.Collector

	Markers  []string
	TestType string

	Strategy   Strategy
	Partitions int
	Priority   types.TaskPriority

	WaitBudget   time.Duration
	PollInterval time.Duration
	ReportFile   string
}

// Controller drives one distributed run end to end.
type Controller struct {
	cfg   Config
	queue *store.Queue
	// partitions holds the per-partition queues under the static
	// strategy.
	partitions []*store.Queue

	runID        string
	controllerID string
	lock         *store.Lock

	// Dispatch bookkeeping for completion accounting and retries. Only
	// the controller ever mutates a task's retry count.
	tasks         map[string]*types.Task
	taskPartition map[string]int

	results    []types.Result
	resultSeen map[string]bool

	// inFlight remembers the last observed current_task per node so a
	// vanished node's work can be re-enqueued.
	inFlight   map[string]string
	knownNodes map[string]bool

	startTime time.Time
	endTime   time.Time
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyQueue
	}
	if cfg.Strategy == StrategyStatic && cfg.Partitions <= 0 {
		return nil, fmt.Errorf("static strategy requires a positive partition count")
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = DefaultWaitBudget
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Priority == "" {
		cfg.Priority = types.PriorityNormal
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	controllerID := types.NodeID(hostname, time.Now())

	c := &Controller{
		cfg:           cfg,
		queue:         store.NewQueue(cfg.Store),
		controllerID:  controllerID,
		lock:          store.NewLock(cfg.Store, controllerID),
		tasks:         make(map[string]*types.Task),
		taskPartition: make(map[string]int),
		resultSeen:    make(map[string]bool),
		inFlight:      make(map[string]string),
		knownNodes:    make(map[string]bool),
	}
	if cfg.Strategy == StrategyStatic {
		for i := 0; i < cfg.Partitions; i++ {
			c.partitions = append(c.partitions, store.NewPartitionQueue(cfg.Store, i))
		}
	}
	return c, nil
}

// Run executes all four phases and returns the aggregated report. A wait
// timeout is not fatal: the report is built from whatever results exist
// and marked incomplete.
func (c *Controller) Run(ctx context.Context) (*types.Report, error) {
	c.runID = uuid.New().String()
	log := c.cfg.Log.With().Str("run_id", c.runID).Logger()
	log.Info().Str("strategy", string(c.cfg.Strategy)).Msg("controller starting")

	// Advisory: keeps two controllers from clearing each other's queues.
	acquired, err := c.lock.Acquire(ctx, dispatchLockName, c.cfg.WaitBudget+time.Minute)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("another controller already holds the dispatch lock")
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.lock.Release(releaseCtx, dispatchLockName); err != nil {
			log.Error().Err(err).Msg("failed to release dispatch lock")
		}
	}()

	dispatched, err := c.dispatch(ctx, log)
	if err != nil {
		return nil, err
	}
	c.startTime = time.Now()

	if dispatched == 0 {
		log.Warn().Msg("no test cases matched; nothing to dispatch")
		c.endTime = c.startTime
		return c.buildReport(false), nil
	}

	waitErr := c.wait(ctx, log)
	if waitErr != nil && !IsWaitTimeout(waitErr) {
		return nil, waitErr
	}
	if IsWaitTimeout(waitErr) {
		log.Error().Err(waitErr).Msg("wait phase timed out; proceeding with partial results")
	}

	// Final drain catches results pushed after the last poll.
	if err := c.drain(ctx); err != nil {
		log.Error().Err(err).Msg("final result drain failed")
	}
	c.endTime = time.Now()

	report := c.buildReport(IsWaitTimeout(waitErr))
	metrics.RecordRunDuration(c.runID, c.endTime.Sub(c.startTime))
	if err := c.persistReport(report); err != nil {
		log.Error().Err(err).Msg("failed to persist report")
	}
	c.renderReport(report)
	return report, nil
}

// dispatch clears stale queue state, collects tests and pushes tasks
// according to the configured strategy. It returns how many tasks went
// out.
func (c *Controller) dispatch(ctx context.Context, log zerolog.Logger) (int, error) {
	if err := c.clearQueues(ctx); err != nil {
		return 0, err
	}

	records, err := c.cfg.Collector.Collect(c.cfg.Markers, c.cfg.TestType)
	if err != nil {
		return 0, err
	}
	stats := c.cfg.Collector.Statistics()
	log.Info().
		Int("total", stats.Total).
		Int("files", len(stats.ByFile)).
		Interface("by_marker", stats.ByMarker).
		Msg("test cases collected")
	if len(records) == 0 {
		return 0, nil
	}

	switch c.cfg.Strategy {
	case StrategyStatic:
		buckets := c.cfg.Collector.Balance(c.cfg.Partitions)
		for i, bucket := range buckets {
			tasks := collector.CreateTasks(bucket, c.cfg.Priority)
			if err := c.partitions[i].PushMany(ctx, tasks); err != nil {
				return 0, err
			}
			for j := range tasks {
				task := tasks[j]
				c.tasks[task.ID] = &task
				c.taskPartition[task.ID] = i
			}
		}
	default:
		tasks := c.cfg.Collector.CreateTasks(c.cfg.Priority)
		if err := c.queue.PushMany(ctx, tasks); err != nil {
			return 0, err
		}
		for i := range tasks {
			task := tasks[i]
			c.tasks[task.ID] = &task
		}
	}

	metrics.RecordDispatch(c.runID, string(c.cfg.Strategy), len(c.tasks))
	log.Info().Int("tasks", len(c.tasks)).Msg("tasks dispatched")
	return len(c.tasks), nil
}

func (c *Controller) clearQueues(ctx context.Context) error {
	if err := c.queue.Clear(ctx); err != nil {
		return err
	}
	for _, q := range c.partitions {
		if err := q.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

// wait polls until every dispatched task has at least one result, the
// debounced empty-queue fallback fires, or the budget runs out.
// Completion is counter-based: queue emptiness alone proves nothing while
// a worker is still mid-execution on its last task.
func (c *Controller) wait(ctx context.Context, log zerolog.Logger) error {
	deadline := c.startTime.Add(c.cfg.WaitBudget)
	emptyPolls := 0

	for {
		if err := c.drain(ctx); err != nil {
			log.Error().Err(err).Msg("incremental result drain failed")
		}
		if c.complete() {
			log.Info().Msg("all tasks accounted for")
			return nil
		}

		now := time.Now()
		if now.After(deadline) {
			return &WaitTimeoutError{Budget: c.cfg.WaitBudget, Remaining: c.remaining()}
		}

		backlog, err := c.backlog(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to read queue backlog")
		}
		nodes, err := store.ActiveNodes(ctx, c.cfg.Store)
		if err != nil {
			log.Error().Err(err).Msg("failed to list active nodes")
		}
		metrics.RecordPoll(backlog, len(nodes))

		log.Info().
			Int("remaining", c.remaining()).
			Int64("backlog", backlog).
			Int("active_nodes", len(nodes)).
			Dur("elapsed", now.Sub(c.startTime)).
			Msg("run in progress")

		if backlog > 0 && len(nodes) == 0 {
			log.Warn().Msg("tasks pending but no worker nodes are alive")
		}

		c.requeueLost(ctx, log, nodes)

		if backlog == 0 {
			emptyPolls++
			if emptyPolls >= completionDebounce && !anyRunning(nodes) {
				log.Warn().Int("remaining", c.remaining()).
					Msg("queue empty and fleet idle; declaring the run settled")
				return nil
			}
		} else {
			emptyPolls = 0
		}

		select {
		case <-time.After(c.cfg.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// requeueLost closes the at-least-once gap: when a node disappears from
// the registry while its current task has produced no result, the task
// goes back on the queue with its retry count bumped, until the retry
// budget is spent.
func (c *Controller) requeueLost(ctx context.Context, log zerolog.Logger, nodes []types.NodeInfo) {
	live := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		live[n.NodeID] = true
	}

	for nodeID := range c.knownNodes {
		if live[nodeID] {
			continue
		}
		delete(c.knownNodes, nodeID)
		taskID := c.inFlight[nodeID]
		delete(c.inFlight, nodeID)
		if taskID == "" || c.resultSeen[taskID] {
			continue
		}
		task, ok := c.tasks[taskID]
		if !ok {
			continue
		}
		if !task.CanRetry() {
			log.Warn().Str("task_id", taskID).Str("node_id", nodeID).
				Int("retry_count", task.RetryCount).
				Msg("node died holding a task whose retry budget is spent")
			continue
		}
		task.RetryCount++
		if err := c.queueFor(taskID).Push(ctx, task); err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("failed to re-enqueue lost task")
			continue
		}
		metrics.RecordRequeue(c.runID)
		log.Warn().Str("task_id", taskID).Str("node_id", nodeID).
			Int("retry_count", task.RetryCount).
			Msg("re-enqueued task lost to a dead node")
	}

	for _, n := range nodes {
		c.knownNodes[n.NodeID] = true
		if n.CurrentTask != "" {
			c.inFlight[n.NodeID] = n.CurrentTask
		} else {
			delete(c.inFlight, n.NodeID)
		}
	}
}

// queueFor returns the queue a task was originally dispatched on.
func (c *Controller) queueFor(taskID string) *store.Queue {
	if partition, ok := c.taskPartition[taskID]; ok {
		return c.partitions[partition]
	}
	return c.queue
}

func (c *Controller) drain(ctx context.Context) error {
	results, err := c.queue.DrainResults(ctx)
	for _, r := range results {
		c.results = append(c.results, r)
		c.resultSeen[r.TaskID] = true
		metrics.RecordResult(c.runID, r.Status)
	}
	return err
}

func (c *Controller) backlog(ctx context.Context) (int64, error) {
	if c.cfg.Strategy == StrategyStatic {
		var total int64
		for _, q := range c.partitions {
			n, err := q.Size(ctx)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	}
	return c.queue.Size(ctx)
}

// complete reports whether every dispatched task has at least one result.
func (c *Controller) complete() bool {
	return len(c.resultSeen) >= len(c.tasks)
}

// remaining counts dispatched tasks with no result yet.
func (c *Controller) remaining() int {
	return len(c.tasks) - len(c.resultSeen)
}

func anyRunning(nodes []types.NodeInfo) bool {
	for _, n := range nodes {
		if n.Status == types.NodeStatusRunning {
			return true
		}
	}
	return false
}
