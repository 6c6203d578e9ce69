package types

// TestRecord describes one discovered test case. Records are produced by
// the collector, either from a manifest or from parsing test sources, and
// are the raw material tasks are built from.
type TestRecord struct {
	ID          string   `json:"test_id"`
	TestFile    string   `json:"test_file"`
	TestName    string   `json:"test_name"`
	FullName    string   `json:"full_name"`
	Package     string   `json:"package,omitempty"`
	Markers     []string `json:"markers"`
	Description string   `json:"description,omitempty"`
	Line        int      `json:"line_number,omitempty"`
}

// HasMarker reports whether the record carries the given marker.
func (r *TestRecord) HasMarker(marker string) bool {
	for _, m := range r.Markers {
		if m == marker {
			return true
		}
	}
	return false
}
