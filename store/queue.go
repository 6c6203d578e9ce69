package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/argus-qa/test-dispatcher/types"
)

const (
	taskQueueKey   = "task_queue"
	resultQueueKey = "result_queue"
)

// Queue is the typed task queue / result channel pair over the store's
// list primitives. Task delivery safety comes entirely from the store's
// atomic pop; no client-side locking is involved.
type Queue struct {
	store     *Store
	taskKey   string
	resultKey string
}

// NewQueue returns the shared queue all workers pull from under the
// dynamic distribution strategy.
func NewQueue(s *Store) *Queue {
	return &Queue{
		store:     s,
		taskKey:   s.Key(taskQueueKey),
		resultKey: s.Key(resultQueueKey),
	}
}

// NewPartitionQueue returns the queue for one static partition. Results
// still funnel into the single shared result channel.
func NewPartitionQueue(s *Store, partition int) *Queue {
	return &Queue{
		store:     s,
		taskKey:   s.Key(taskQueueKey, strconv.Itoa(partition)),
		resultKey: s.Key(resultQueueKey),
	}
}

// Push appends one task to the queue.
func (q *Queue) Push(ctx context.Context, task *types.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task %s: %w", task.ID, err)
	}
	if err := q.store.client.RPush(ctx, q.taskKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push task %s: %w", task.ID, err)
	}
	return nil
}

// PushMany appends a batch of tasks in a single pipelined multi-append.
func (q *Queue) PushMany(ctx context.Context, tasks []types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	payloads := make([]interface{}, 0, len(tasks))
	for i := range tasks {
		payload, err := json.Marshal(&tasks[i])
		if err != nil {
			return fmt.Errorf("failed to serialize task %s: %w", tasks[i].ID, err)
		}
		payloads = append(payloads, payload)
	}
	if err := q.store.client.RPush(ctx, q.taskKey, payloads...).Err(); err != nil {
		return fmt.Errorf("failed to push %d tasks: %w", len(tasks), err)
	}
	return nil
}

// Pop removes the oldest task, blocking up to timeout. A nil task with a
// nil error means the wait expired; callers loop and re-check their
// termination conditions.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*types.Task, error) {
	res, err := q.store.client.BLPop(ctx, timeout, q.taskKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop task: %w", err)
	}
	// BLPop returns [key, value].
	var task types.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}
	return &task, nil
}

// Size returns the current task backlog length. It is a heuristic progress
// signal only: a popped task still executing on a worker is not counted.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.store.client.LLen(ctx, q.taskKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue size: %w", err)
	}
	return n, nil
}

// PushResult appends one result to the result channel.
func (q *Queue) PushResult(ctx context.Context, result *types.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize result for task %s: %w", result.TaskID, err)
	}
	if err := q.store.client.RPush(ctx, q.resultKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push result for task %s: %w", result.TaskID, err)
	}
	return nil
}

// DrainResults pops results until the channel reads empty. The drain is
// not atomic as a whole: results pushed concurrently may or may not be
// captured by this pass, which is fine for the mostly-at-the-end drain
// pattern the controller uses. Entries that fail to decode are dropped
// with a warning rather than poisoning the drain.
func (q *Queue) DrainResults(ctx context.Context) ([]types.Result, error) {
	var results []types.Result
	for {
		payload, err := q.store.client.LPop(ctx, q.resultKey).Result()
		if errors.Is(err, redis.Nil) {
			return results, nil
		}
		if err != nil {
			return results, fmt.Errorf("failed to drain results: %w", err)
		}
		var result types.Result
		if err := json.Unmarshal([]byte(payload), &result); err != nil {
			q.store.log.Warn().Err(err).Msg("dropping undecodable result entry")
			continue
		}
		results = append(results, result)
	}
}

// ResultCount returns how many results are waiting to be drained.
func (q *Queue) ResultCount(ctx context.Context) (int64, error) {
	n, err := q.store.client.LLen(ctx, q.resultKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read result count: %w", err)
	}
	return n, nil
}

// Clear deletes both lists. The controller calls this before every run so
// stale tasks from an aborted run cannot leak into the next one.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.client.Del(ctx, q.taskKey, q.resultKey).Err(); err != nil {
		return fmt.Errorf("failed to clear queues: %w", err)
	}
	return nil
}
