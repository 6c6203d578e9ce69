package types

import "time"

// ReportSummary aggregates the outcome of one distributed run.
type ReportSummary struct {
	Total         int       `json:"total"`
	Passed        int       `json:"passed"`
	Failed        int       `json:"failed"`
	Error         int       `json:"error"`
	Timeout       int       `json:"timeout"`
	PassRate      float64   `json:"pass_rate"`
	TotalDuration float64   `json:"total_duration"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	// Incomplete is set when the controller's wait budget ran out before
	// every dispatched task produced a result.
	Incomplete bool `json:"incomplete,omitempty"`
}

// NodeStats is the per-node breakdown included in the report.
type NodeStats struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Report is the structured document the controller persists at the end of
// a run.
type Report struct {
	RunID          string               `json:"run_id"`
	Summary        ReportSummary        `json:"summary"`
	NodeStatistics map[string]NodeStats `json:"node_statistics"`
	Results        []Result             `json:"results"`
}

// HasFailures reports whether any task failed or errored; it drives the
// controller's process exit code.
func (r *Report) HasFailures() bool {
	return r.Summary.Failed > 0 || r.Summary.Error > 0
}
