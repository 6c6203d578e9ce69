package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TaskPriority labels a task's scheduling priority. Priorities are
// informational today; the queue itself is FIFO.
type TaskPriority string

const (
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityLow    TaskPriority = "low"
)

// Task is one dispatchable unit of work: a single named test case.
// Once enqueued a task is immutable except for RetryCount, which only the
// controller increments when it re-enqueues work lost to a dead node.
type Task struct {
	ID             string       `json:"task_id"`
	TestFile       string       `json:"test_file"`
	TestName       string       `json:"test_name"`
	FullName       string       `json:"full_name"`
	Markers        []string     `json:"markers"`
	Priority       TaskPriority `json:"priority"`
	TimeoutSeconds int          `json:"timeout"`
	RetryCount     int          `json:"retry_count"`
	MaxRetries     int          `json:"max_retries"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Timeout returns the per-task execution budget as a duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// HasMarker reports whether the task carries the given marker.
func (t *Task) HasMarker(marker string) bool {
	for _, m := range t.Markers {
		if m == marker {
			return true
		}
	}
	return false
}

// CanRetry reports whether the controller may re-enqueue this task.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// TaskID derives the stable task identifier for a (file, test) pair.
// The same pair always hashes to the same ID, so repeated collection
// passes over unchanged sources produce identical task sets.
func TaskID(testFile, testName string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s::%s", testFile, testName)))
	return hex.EncodeToString(sum[:])[:16]
}
