package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/argus-qa/test-dispatcher/collector"
	"github.com/argus-qa/test-dispatcher/store"
	"github.com/argus-qa/test-dispatcher/types"
	"github.com/argus-qa/test-dispatcher/worker"
)

// stubExecutor returns canned outcomes by test name; unknown tests pass.
type stubExecutor struct {
	mu      sync.Mutex
	results map[string]worker.ExecResult
	ran     []string
}

func (s *stubExecutor) Execute(_ context.Context, task *types.Task) worker.ExecResult {
	s.mu.Lock()
	s.ran = append(s.ran, task.TestName)
	s.mu.Unlock()
	if res, ok := s.results[task.TestName]; ok {
		return res
	}
	return worker.ExecResult{ReturnCode: 0, Stdout: "ok"}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewWithClient(client, "argus:test", zerolog.Nop())
}

// writeDeclaredManifest declares n tests spread over two files.
func writeDeclaredManifest(t *testing.T, n int) string {
	t.Helper()
	manifest := "suites:\n  - name: generated\n    markers: [api]\n    tests:\n"
	for i := 0; i < n; i++ {
		file := "tests/api/alpha_test.go"
		if i%2 == 1 {
			file = "tests/api/beta_test.go"
		}
		manifest += fmt.Sprintf("      - name: TestGenerated%02d\n        file: %s\n", i, file)
	}
	path := filepath.Join(t.TempDir(), "tests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	return path
}

func newTestCollector(t *testing.T, manifest string) *collector.Collector {
	t.Helper()
	return collector.New(collector.Config{Log: zerolog.Nop(), Manifest: manifest})
}

func startWorker(ctx context.Context, t *testing.T, s *store.Store, queue *store.Queue, exec worker.Executor, maxTasks int) chan error {
	t.Helper()
	w, err := worker.New(worker.Config{
		Log:        zerolog.Nop(),
		Store:      s,
		Queue:      queue,
		Executor:   exec,
		MaxTasks:   maxTasks,
		PopTimeout: 50 * time.Millisecond,
		IdleSleep:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func TestRunSharedQueueAcrossTwoWorkers(t *testing.T) {
	s := newTestStore(t)
	manifest := writeDeclaredManifest(t, 10)
	reportFile := filepath.Join(t.TempDir(), "report.json")

	exec := &stubExecutor{results: map[string]worker.ExecResult{
		"TestGenerated03": {ReturnCode: 1, Stderr: "--- FAIL"},
	}}
	// Each worker takes exactly half the run.
	w1 := startWorker(context.Background(), t, s, store.NewQueue(s), exec, 5)
	w2 := startWorker(context.Background(), t, s, store.NewQueue(s), exec, 5)

	ctrl, err := New(Config{
		Log:          zerolog.Nop(),
		Store:        s,
		Collector:    newTestCollector(t, manifest),
		WaitBudget:   10 * time.Second,
		PollInterval: 20 * time.Millisecond,
		ReportFile:   reportFile,
	})
	require.NoError(t, err)

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-w1)
	require.NoError(t, <-w2)

	require.Equal(t, 10, report.Summary.Total)
	require.Equal(t, 9, report.Summary.Passed)
	require.Equal(t, 1, report.Summary.Failed)
	require.False(t, report.Summary.Incomplete)
	require.True(t, report.HasFailures())
	require.InDelta(t, 90.0, report.Summary.PassRate, 0.01)
	require.NotEmpty(t, report.RunID)

	// Every dispatched task produced exactly one result.
	seen := map[string]int{}
	for _, res := range report.Results {
		seen[res.TaskID]++
	}
	require.Len(t, seen, 10)
	for id, count := range seen {
		require.Equal(t, 1, count, "task %s", id)
	}

	// Both workers contributed and the split matches the task caps.
	require.Len(t, report.NodeStatistics, 2)
	for nodeID, stats := range report.NodeStatistics {
		require.Equal(t, 5, stats.Total, "node %s", nodeID)
	}

	// The persisted report matches what Run returned.
	data, err := os.ReadFile(reportFile)
	require.NoError(t, err)
	var persisted types.Report
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Equal(t, report.RunID, persisted.RunID)
	require.Equal(t, report.Summary.Total, persisted.Summary.Total)
}

func TestRunStaticPartitions(t *testing.T) {
	s := newTestStore(t)
	manifest := writeDeclaredManifest(t, 8)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	exec := &stubExecutor{}
	w1 := startWorker(workerCtx, t, s, store.NewPartitionQueue(s, 0), exec, 0)
	w2 := startWorker(workerCtx, t, s, store.NewPartitionQueue(s, 1), exec, 0)

	ctrl, err := New(Config{
		Log:          zerolog.Nop(),
		Store:        s,
		Collector:    newTestCollector(t, manifest),
		Strategy:     StrategyStatic,
		Partitions:   2,
		WaitBudget:   10 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 8, report.Summary.Total)
	require.Equal(t, 8, report.Summary.Passed)
	require.False(t, report.Summary.Incomplete)
	require.False(t, report.HasFailures())
	require.Len(t, report.NodeStatistics, 2)

	stopWorkers()
	require.NoError(t, <-w1)
	require.NoError(t, <-w2)
}

func TestRunTimesOutWithoutWorkers(t *testing.T) {
	s := newTestStore(t)
	manifest := writeDeclaredManifest(t, 4)

	ctrl, err := New(Config{
		Log:          zerolog.Nop(),
		Store:        s,
		Collector:    newTestCollector(t, manifest),
		WaitBudget:   150 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)

	require.True(t, report.Summary.Incomplete)
	require.Zero(t, report.Summary.Total)
	require.False(t, report.HasFailures())
}

func TestRunWithNoMatchingTests(t *testing.T) {
	s := newTestStore(t)
	manifest := writeDeclaredManifest(t, 4)

	ctrl, err := New(Config{
		Log:       zerolog.Nop(),
		Store:     s,
		Collector: newTestCollector(t, manifest),
		Markers:   []string{"nonexistent"},
	})
	require.NoError(t, err)

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Summary.Total)
	require.False(t, report.Summary.Incomplete)
}

func TestRunRefusesSecondController(t *testing.T) {
	s := newTestStore(t)
	manifest := writeDeclaredManifest(t, 2)

	held, err := store.NewLock(s, "other-controller").Acquire(context.Background(), dispatchLockName, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	ctrl, err := New(Config{
		Log:       zerolog.Nop(),
		Store:     s,
		Collector: newTestCollector(t, manifest),
	})
	require.NoError(t, err)

	_, err = ctrl.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "dispatch lock")
}

func TestNewValidatesStaticPartitions(t *testing.T) {
	s := newTestStore(t)
	_, err := New(Config{
		Log:       zerolog.Nop(),
		Store:     s,
		Collector: newTestCollector(t, writeDeclaredManifest(t, 1)),
		Strategy:  StrategyStatic,
	})
	require.Error(t, err)
}

func TestRequeueLostRetriesTaskFromDeadNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ctrl, err := New(Config{
		Log:       zerolog.Nop(),
		Store:     s,
		Collector: newTestCollector(t, writeDeclaredManifest(t, 1)),
	})
	require.NoError(t, err)

	task := &types.Task{
		ID:             "lost-task",
		TestFile:       "tests/api/alpha_test.go",
		TestName:       "TestGenerated00",
		TimeoutSeconds: 300,
		MaxRetries:     2,
	}
	ctrl.tasks[task.ID] = task
	ctrl.knownNodes["dead-node"] = true
	ctrl.inFlight["dead-node"] = task.ID

	ctrl.requeueLost(ctx, zerolog.Nop(), nil)

	got, err := ctrl.queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "lost-task", got.ID)
	require.Equal(t, 1, got.RetryCount)

	// The dead node is forgotten; a second sweep must not re-enqueue.
	ctrl.requeueLost(ctx, zerolog.Nop(), nil)
	got, err = ctrl.queue.Pop(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRequeueLostRespectsRetryBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ctrl, err := New(Config{
		Log:       zerolog.Nop(),
		Store:     s,
		Collector: newTestCollector(t, writeDeclaredManifest(t, 1)),
	})
	require.NoError(t, err)

	task := &types.Task{ID: "spent-task", RetryCount: 2, MaxRetries: 2, TimeoutSeconds: 300}
	ctrl.tasks[task.ID] = task
	ctrl.knownNodes["dead-node"] = true
	ctrl.inFlight["dead-node"] = task.ID

	ctrl.requeueLost(ctx, zerolog.Nop(), nil)

	got, err := ctrl.queue.Pop(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 2, task.RetryCount)
}

func TestRequeueLostIgnoresResultedTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ctrl, err := New(Config{
		Log:       zerolog.Nop(),
		Store:     s,
		Collector: newTestCollector(t, writeDeclaredManifest(t, 1)),
	})
	require.NoError(t, err)

	task := &types.Task{ID: "done-task", MaxRetries: 2, TimeoutSeconds: 300}
	ctrl.tasks[task.ID] = task
	ctrl.resultSeen[task.ID] = true
	ctrl.knownNodes["dead-node"] = true
	ctrl.inFlight["dead-node"] = task.ID

	ctrl.requeueLost(ctx, zerolog.Nop(), nil)

	got, err := ctrl.queue.Pop(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBuildReportAggregates(t *testing.T) {
	s := newTestStore(t)
	ctrl, err := New(Config{
		Log:       zerolog.Nop(),
		Store:     s,
		Collector: newTestCollector(t, writeDeclaredManifest(t, 1)),
	})
	require.NoError(t, err)

	ctrl.runID = "test-run"
	ctrl.startTime = time.Now().Add(-time.Minute)
	ctrl.endTime = time.Now()
	ctrl.results = []types.Result{
		{TaskID: "a", NodeID: "n1", Status: types.ResultStatusPassed},
		{TaskID: "b", NodeID: "n1", Status: types.ResultStatusFailed},
		{TaskID: "c", NodeID: "n2", Status: types.ResultStatusError},
		{TaskID: "d", NodeID: "n2", Status: types.ResultStatusTimeout},
	}
	for _, r := range ctrl.results {
		ctrl.resultSeen[r.TaskID] = true
	}

	report := ctrl.buildReport(false)
	require.Equal(t, 4, report.Summary.Total)
	require.Equal(t, 1, report.Summary.Passed)
	require.Equal(t, 1, report.Summary.Failed)
	require.Equal(t, 1, report.Summary.Error)
	require.Equal(t, 1, report.Summary.Timeout)
	require.InDelta(t, 25.0, report.Summary.PassRate, 0.01)
	require.True(t, report.HasFailures())

	require.Equal(t, types.NodeStats{Total: 2, Passed: 1, Failed: 1}, report.NodeStatistics["n1"])
	require.Equal(t, types.NodeStats{Total: 2, Passed: 0, Failed: 2}, report.NodeStatistics["n2"])
}
