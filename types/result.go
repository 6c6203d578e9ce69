package types

import "time"

// ResultStatus represents the possible outcomes of one task execution.
type ResultStatus string

const (
	ResultStatusPassed  ResultStatus = "passed"
	ResultStatusFailed  ResultStatus = "failed"
	ResultStatusError   ResultStatus = "error"
	ResultStatusTimeout ResultStatus = "timeout"
)

// Result captures the outcome of executing one Task on one node. Delivery
// is at-least-once, so a task that is re-enqueued after a node death can
// legitimately produce more than one result; the controller keeps the first
// per task for completion accounting and reports every attempt.
type Result struct {
	TaskID     string       `json:"task_id"`
	NodeID     string       `json:"node_id"`
	TestFile   string       `json:"test_file"`
	TestName   string       `json:"test_name"`
	Status     ResultStatus `json:"status"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
	Duration   float64      `json:"duration"`
	Stdout     string       `json:"stdout,omitempty"`
	Stderr     string       `json:"stderr,omitempty"`
	ReturnCode int          `json:"return_code"`
	Error      string       `json:"error,omitempty"`
}

// Passed reports whether the execution succeeded.
func (r *Result) Passed() bool {
	return r.Status == ResultStatusPassed
}
