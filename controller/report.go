package controller

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/argus-qa/test-dispatcher/types"
)

// buildReport aggregates the drained results. Delivery is at-least-once,
// so totals count result attempts; duplicates for a retried task are
// reported, not collapsed.
func (c *Controller) buildReport(timedOut bool) *types.Report {
	summary := types.ReportSummary{
		Total:         len(c.results),
		StartTime:     c.startTime,
		EndTime:       c.endTime,
		TotalDuration: c.endTime.Sub(c.startTime).Seconds(),
		Incomplete:    timedOut || !c.complete(),
	}

	nodeStats := make(map[string]types.NodeStats)
	for _, r := range c.results {
		switch r.Status {
		case types.ResultStatusPassed:
			summary.Passed++
		case types.ResultStatusFailed:
			summary.Failed++
		case types.ResultStatusError:
			summary.Error++
		case types.ResultStatusTimeout:
			summary.Timeout++
		}

		stats := nodeStats[r.NodeID]
		stats.Total++
		if r.Passed() {
			stats.Passed++
		} else {
			stats.Failed++
		}
		nodeStats[r.NodeID] = stats
	}
	if summary.Total > 0 {
		summary.PassRate = float64(summary.Passed) / float64(summary.Total) * 100
	}

	return &types.Report{
		RunID:          c.runID,
		Summary:        summary,
		NodeStatistics: nodeStats,
		Results:        c.results,
	}
}

// persistReport writes the report JSON, creating the reports directory on
// demand.
func (c *Controller) persistReport(report *types.Report) error {
	if c.cfg.ReportFile == "" {
		return nil
	}
	if dir := filepath.Dir(c.cfg.ReportFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	if err := os.WriteFile(c.cfg.ReportFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	c.cfg.Log.Info().Str("path", c.cfg.ReportFile).Msg("report saved")
	return nil
}

// renderReport prints the human-readable summary: totals, the per-node
// breakdown, and every failed or errored test with its captured error.
func (c *Controller) renderReport(report *types.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	title := fmt.Sprintf("Distributed Test Results (%s)", formatSeconds(report.Summary.TotalDuration))
	if report.Summary.Incomplete {
		title += " - INCOMPLETE"
	}
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Total", "Passed", "Failed", "Error", "Timeout", "Pass Rate"})
	t.AppendRow(table.Row{
		report.Summary.Total,
		report.Summary.Passed,
		report.Summary.Failed,
		report.Summary.Error,
		report.Summary.Timeout,
		fmt.Sprintf("%.2f%%", report.Summary.PassRate),
	})
	if report.HasFailures() || report.Summary.Timeout > 0 {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}
	t.Render()

	if len(report.NodeStatistics) > 0 {
		nt := table.NewWriter()
		nt.SetOutputMirror(os.Stdout)
		nt.SetTitle("Node Statistics")
		nt.AppendHeader(table.Row{"Node", "Total", "Passed", "Failed"})
		nt.SetColumnConfigs([]table.ColumnConfig{
			{Name: "Total", Align: text.AlignRight},
			{Name: "Passed", Align: text.AlignRight},
			{Name: "Failed", Align: text.AlignRight},
		})
		for nodeID, stats := range report.NodeStatistics {
			nt.AppendRow(table.Row{nodeID, stats.Total, stats.Passed, stats.Failed})
		}
		nt.Render()
	}

	var failures []types.Result
	for _, r := range report.Results {
		if !r.Passed() {
			failures = append(failures, r)
		}
	}
	if len(failures) > 0 {
		ft := table.NewWriter()
		ft.SetOutputMirror(os.Stdout)
		ft.SetTitle("Failed Tests")
		ft.AppendHeader(table.Row{"Test", "Status", "Node", "Error"})
		ft.SetColumnConfigs([]table.ColumnConfig{
			{Name: "Test", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
			{Name: "Error", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		})
		for _, r := range failures {
			ft.AppendRow(table.Row{
				r.TestFile + "::" + r.TestName,
				string(r.Status),
				r.NodeID,
				r.Error,
			})
		}
		ft.Render()
	}
}

func formatSeconds(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).Round(10 * time.Millisecond).String()
}
