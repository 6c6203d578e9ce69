package collector

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/argus-qa/test-dispatcher/types"
)

// Manifest is the declared-test alternative to source scanning: suites
// register their cases explicitly instead of having the dispatcher reverse
// engineer them from arbitrary syntax trees.
type Manifest struct {
	Suites []SuiteConfig `yaml:"suites"`
}

// SuiteConfig declares one group of tests. A suite either lists its cases
// explicitly or names a directory to scan; suite-level markers apply to
// every case in the suite.
type SuiteConfig struct {
	Name    string       `yaml:"name"`
	Dir     string       `yaml:"dir,omitempty"`
	Markers []string     `yaml:"markers,omitempty"`
	Tests   []TestConfig `yaml:"tests,omitempty"`
}

// TestConfig declares one test case inside a suite.
type TestConfig struct {
	Name        string   `yaml:"name"`
	File        string   `yaml:"file,omitempty"`
	Markers     []string `yaml:"markers,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// collectFromManifest loads a manifest and expands it into test records.
func (c *Collector) collectFromManifest(path string) ([]types.TestRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	var records []types.TestRecord
	for _, suite := range manifest.Suites {
		if suite.Name == "" {
			return nil, fmt.Errorf("manifest %s: suite without a name", path)
		}
		suiteRecords, err := c.expandSuite(path, suite)
		if err != nil {
			return nil, err
		}
		records = append(records, suiteRecords...)
	}
	c.cfg.Log.Debug().Str("manifest", path).Int("suites", len(manifest.Suites)).Int("tests", len(records)).Msg("manifest expanded")
	return records, nil
}

func (c *Collector) expandSuite(path string, suite SuiteConfig) ([]types.TestRecord, error) {
	// Directory suites delegate to the scanner and inherit suite markers.
	if len(suite.Tests) == 0 {
		if suite.Dir == "" {
			return nil, fmt.Errorf("manifest %s: suite %s declares neither tests nor a dir", path, suite.Name)
		}
		records, err := c.scanDir(suite.Dir)
		if err != nil {
			return nil, fmt.Errorf("suite %s: %w", suite.Name, err)
		}
		for i := range records {
			records[i].Markers = mergeMarkers(suite.Markers, records[i].Markers)
		}
		return records, nil
	}

	records := make([]types.TestRecord, 0, len(suite.Tests))
	for _, tc := range suite.Tests {
		if tc.Name == "" {
			return nil, fmt.Errorf("manifest %s: suite %s has a test without a name", path, suite.Name)
		}
		file := tc.File
		if file == "" {
			file = suite.Dir
		}
		if file == "" {
			return nil, fmt.Errorf("manifest %s: test %s has no file and suite %s has no dir", path, tc.Name, suite.Name)
		}
		records = append(records, types.TestRecord{
			ID:          types.TaskID(file, tc.Name),
			TestFile:    file,
			TestName:    tc.Name,
			FullName:    file + "::" + tc.Name,
			Markers:     mergeMarkers(suite.Markers, tc.Markers),
			Description: tc.Description,
		})
	}
	return records, nil
}

// mergeMarkers unions suite and test markers, preserving order and
// dropping duplicates.
func mergeMarkers(suite, test []string) []string {
	seen := make(map[string]bool, len(suite)+len(test))
	var merged []string
	for _, m := range append(append([]string{}, suite...), test...) {
		if !seen[m] {
			seen[m] = true
			merged = append(merged, m)
		}
	}
	return merged
}
