package collector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/argus-qa/test-dispatcher/types"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestManifestExplicitTests(t *testing.T) {
	path := writeManifest(t, `
suites:
  - name: checkout
    dir: tests/checkout
    markers: [web]
    tests:
      - name: TestAddToCart
        markers: [smoke]
        description: Adds an item to the cart.
      - name: TestPayment
        file: tests/checkout/payment_test.go
`)
	c := New(Config{Log: zerolog.Nop(), Manifest: path})

	records, err := c.Collect(nil, "")
	require.NoError(t, err)
	require.Len(t, records, 2)

	add := records[0]
	require.Equal(t, "TestAddToCart", add.TestName)
	// Tests without a file inherit the suite dir.
	require.Equal(t, "tests/checkout", add.TestFile)
	require.Equal(t, []string{"web", "smoke"}, add.Markers)
	require.Equal(t, "Adds an item to the cart.", add.Description)
	require.Equal(t, types.TaskID("tests/checkout", "TestAddToCart"), add.ID)

	pay := records[1]
	require.Equal(t, "tests/checkout/payment_test.go", pay.TestFile)
	require.Equal(t, []string{"web"}, pay.Markers)
}

func TestManifestDirSuiteScansAndInheritsMarkers(t *testing.T) {
	dir := writeTestTree(t)
	path := writeManifest(t, `
suites:
  - name: api
    dir: `+filepath.Join(dir, "api")+`
    markers: [nightly]
`)
	c := New(Config{Log: zerolog.Nop(), Manifest: path})

	records, err := c.Collect(nil, "")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		require.Contains(t, rec.Markers, "nightly")
	}
}

func TestManifestTakesPrecedenceOverTestDir(t *testing.T) {
	dir := writeTestTree(t)
	path := writeManifest(t, `
suites:
  - name: declared
    tests:
      - name: TestDeclaredOnly
        file: tests/declared_test.go
`)
	c := New(Config{Log: zerolog.Nop(), TestDir: dir, Manifest: path})

	records, err := c.Collect(nil, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "TestDeclaredOnly", records[0].TestName)
}

func TestManifestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"suite without name", "suites:\n  - dir: tests\n"},
		{"suite without tests or dir", "suites:\n  - name: empty\n"},
		{"test without name", "suites:\n  - name: s\n    tests:\n      - file: a_test.go\n"},
		{"test without file or dir", "suites:\n  - name: s\n    tests:\n      - name: TestX\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(Config{Log: zerolog.Nop(), Manifest: writeManifest(t, tc.content)})
			_, err := c.Collect(nil, "")
			require.Error(t, err)
		})
	}
}

func TestMergeMarkers(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, mergeMarkers([]string{"a", "b"}, []string{"b", "c"}))
	require.Nil(t, mergeMarkers(nil, nil))
}
