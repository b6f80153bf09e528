package tax

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/observability"
)

const testTable = `
default_rate: 0
rates:
  - country: US
    rate: 0
    name: us-default
  - country: US
    state: CA
    rate: 7.25
    name: california
  - country: US
    state: CA
    postal_prefix: "94"
    rate: 8.63
    name: sf-bay
  - country: DE
    rate: 19
    name: germany-vat
`

func writeTable(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tax_rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTable(t *testing.T) {
	table, err := LoadTable(writeTable(t, testTable))
	require.NoError(t, err)
	assert.Equal(t, 4, table.RuleCount())
}

func TestLoadTableMissingCountry(t *testing.T) {
	_, err := LoadTable(writeTable(t, "rates:\n  - state: CA\n    rate: 5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "country is required")
}

func TestLookupMostSpecificWins(t *testing.T) {
	table, err := LoadTable(writeTable(t, testTable))
	require.NoError(t, err)

	tests := []struct {
		name     string
		country  string
		state    string
		postal   string
		wantRate float64
		wantName string
	}{
		{"postal prefix beats state", "US", "CA", "94107", 8.63, "sf-bay"},
		{"state beats country", "US", "CA", "90001", 7.25, "california"},
		{"country fallback", "US", "TX", "73301", 0, "us-default"},
		{"lowercase input", "us", "ca", "94016", 8.63, "sf-bay"},
		{"other country", "DE", "", "10115", 19, "germany-vat"},
		{"no match uses default", "FR", "", "75001", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rate, name := table.Lookup(tt.country, tt.state, tt.postal)
			assert.Equal(t, tt.wantRate, rate)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		subtotal int64
		rate     float64
		want     int64
	}{
		{"zero rate", 10000, 0, 0},
		{"zero subtotal", 0, 7.25, 0},
		{"exact", 10000, 19, 1900},
		{"rounds half up", 1000, 7.25, 73},        // 72.5 -> 73
		{"rounds down", 1234, 7.25, 89},           // 89.465 -> 89
		{"rounds up", 999, 8.63, 86},              // 86.2137 -> 86
		{"large amount", 123456789, 19, 23456790}, // 23456789.91 -> 23456790
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.subtotal, tt.rate))
		})
	}
}

func TestReloadKeepsOldTableOnParseError(t *testing.T) {
	path := writeTable(t, testTable)
	table, err := LoadTable(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	assert.Error(t, table.Reload())

	// Old rules still answer lookups.
	rate, _ := table.Lookup("DE", "", "")
	assert.Equal(t, 19.0, rate)
}

func TestWatcherReloads(t *testing.T) {
	path := writeTable(t, testTable)
	table, err := LoadTable(path)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	watcher, err := NewWatcher(table, logger)
	require.NoError(t, err)
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	updated := `
default_rate: 0
rates:
  - country: FR
    rate: 20
    name: france-vat
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		rate, _ := table.Lookup("FR", "", "")
		return rate == 20.0
	}, 3*time.Second, 50*time.Millisecond)
}
