// Package collector discovers test cases and turns them into dispatchable
// tasks. Discovery never executes test code: cases come either from a
// declared YAML manifest or from statically parsing test sources.
package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/argus-qa/test-dispatcher/types"
)

// Per-task execution budgets, widened for tests that declare themselves
// slow or integration-heavy.
const (
	DefaultTimeoutSeconds     = 300
	SlowTimeoutSeconds        = 600
	IntegrationTimeoutSeconds = 900

	defaultMaxRetries = 2
)

// Config contains collector configuration.
type Config struct {
	Log zerolog.Logger
	// TestDir is the root scanned for test sources when no manifest is
	// given.
	TestDir string
	// Manifest is a YAML suite declaration; when set it takes precedence
	// over scanning.
	Manifest string
}

// Collector discovers tests and keeps the most recent collection pass.
type Collector struct {
	cfg     Config
	records []types.TestRecord
}

// New creates a collector.
func New(cfg Config) *Collector {
	return &Collector{cfg: cfg}
}

// Collect discovers test cases and filters them by marker membership
// and/or a type substring matched against markers and file paths. A source
// file that fails to parse is logged and skipped; it never aborts the rest
// of the collection.
func (c *Collector) Collect(markers []string, testType string) ([]types.TestRecord, error) {
	var (
		records []types.TestRecord
		err     error
	)
	switch {
	case c.cfg.Manifest != "":
		records, err = c.collectFromManifest(c.cfg.Manifest)
	case c.cfg.TestDir != "":
		records, err = c.scanDir(c.cfg.TestDir)
	default:
		return nil, fmt.Errorf("no test source configured: set a test directory or a manifest")
	}
	if err != nil {
		return nil, err
	}

	records = filterRecords(records, markers, testType)
	c.records = records
	c.cfg.Log.Info().Int("tests", len(records)).Msg("test collection finished")
	return records, nil
}

// Records returns the records from the last collection pass.
func (c *Collector) Records() []types.TestRecord {
	return c.records
}

func filterRecords(records []types.TestRecord, markers []string, testType string) []types.TestRecord {
	if len(markers) == 0 && testType == "" {
		return records
	}
	filtered := make([]types.TestRecord, 0, len(records))
	for _, rec := range records {
		if len(markers) > 0 && !hasAnyMarker(&rec, markers) {
			continue
		}
		if testType != "" && !rec.HasMarker(testType) && !strings.Contains(rec.TestFile, testType) {
			continue
		}
		filtered = append(filtered, rec)
	}
	return filtered
}

func hasAnyMarker(rec *types.TestRecord, markers []string) bool {
	for _, m := range markers {
		if rec.HasMarker(m) {
			return true
		}
	}
	return false
}

// EstimateDuration is the heuristic cost model used for static balancing.
// Marker multipliers compose multiplicatively.
func (c *Collector) EstimateDuration(rec *types.TestRecord) float64 {
	estimate := 5.0
	if rec.HasMarker("slow") {
		estimate *= 3
	}
	if rec.HasMarker("integration") {
		estimate *= 2
	}
	if rec.HasMarker("web") {
		estimate *= 1.5
	}
	if rec.HasMarker("api") {
		estimate *= 0.8
	}
	return estimate
}

// Balance partitions the collected records across numWorkers buckets using
// the longest-processing-time-first greedy heuristic: records sorted by
// estimated duration descending, each assigned to the currently
// least-loaded bucket.
func (c *Collector) Balance(numWorkers int) [][]types.TestRecord {
	buckets := make([][]types.TestRecord, numWorkers)
	if len(c.records) == 0 || numWorkers <= 0 {
		return buckets
	}

	type weighted struct {
		rec      types.TestRecord
		estimate float64
	}
	ordered := make([]weighted, 0, len(c.records))
	for _, rec := range c.records {
		ordered = append(ordered, weighted{rec: rec, estimate: c.EstimateDuration(&rec)})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].estimate > ordered[j].estimate
	})

	totals := make([]float64, numWorkers)
	for _, w := range ordered {
		min := 0
		for i := 1; i < numWorkers; i++ {
			if totals[i] < totals[min] {
				min = i
			}
		}
		buckets[min] = append(buckets[min], w.rec)
		totals[min] += w.estimate
	}

	for i, bucket := range buckets {
		c.cfg.Log.Info().
			Int("partition", i).
			Int("tests", len(bucket)).
			Float64("estimated_seconds", totals[i]).
			Msg("static partition balanced")
	}
	return buckets
}

// CreateTasks maps the collected records to tasks. Timeout budgets derive
// from markers; retry bookkeeping starts at zero.
func (c *Collector) CreateTasks(priority types.TaskPriority) []types.Task {
	return CreateTasks(c.records, priority)
}

// CreateTasks builds tasks for an explicit record set, used by the static
// strategy on individual partitions.
func CreateTasks(records []types.TestRecord, priority types.TaskPriority) []types.Task {
	tasks := make([]types.Task, 0, len(records))
	now := time.Now()
	for _, rec := range records {
		timeout := DefaultTimeoutSeconds
		if rec.HasMarker("slow") {
			timeout = SlowTimeoutSeconds
		}
		if rec.HasMarker("integration") {
			timeout = IntegrationTimeoutSeconds
		}
		tasks = append(tasks, types.Task{
			ID:             rec.ID,
			TestFile:       rec.TestFile,
			TestName:       rec.TestName,
			FullName:       rec.FullName,
			Markers:        rec.Markers,
			Priority:       priority,
			TimeoutSeconds: timeout,
			RetryCount:     0,
			MaxRetries:     defaultMaxRetries,
			CreatedAt:      now,
		})
	}
	return tasks
}

// Statistics summarizes the last collection pass.
type Statistics struct {
	Total    int            `json:"total_tests"`
	ByFile   map[string]int `json:"by_file"`
	ByMarker map[string]int `json:"by_marker"`
}

// Statistics aggregates record counts by file and marker.
func (c *Collector) Statistics() Statistics {
	stats := Statistics{
		Total:    len(c.records),
		ByFile:   make(map[string]int),
		ByMarker: make(map[string]int),
	}
	for _, rec := range c.records {
		stats.ByFile[rec.TestFile]++
		for _, m := range rec.Markers {
			stats.ByMarker[m]++
		}
	}
	return stats
}

// SaveRecords persists the collected records so a later controller run can
// reuse the discovery pass.
func (c *Collector) SaveRecords(path string) error {
	data, err := json.MarshalIndent(c.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize records: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save records to %s: %w", path, err)
	}
	c.cfg.Log.Info().Str("path", path).Int("tests", len(c.records)).Msg("collected tests saved")
	return nil
}

// LoadRecords restores a previously saved collection pass.
func (c *Collector) LoadRecords(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load records from %s: %w", path, err)
	}
	var records []types.TestRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse records from %s: %w", path, err)
	}
	c.records = records
	c.cfg.Log.Info().Str("path", path).Int("tests", len(records)).Msg("collected tests loaded")
	return nil
}
