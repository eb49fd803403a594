package main

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"basnya/ingestion/internal/ingest"
	"basnya/ingestion/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProxyFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxies.txt")
	content := "1.2.3.4:8080:alice:pw\nbroken line\n\n5.6.7.8:3128:bob:pw\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConvertProxies_Stdout(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := convertProxies(writeProxyFile(t), "", &stdout, &stderr)
	require.NoError(t, err)

	assert.JSONEq(t, `{"proxy":["http://alice:pw@1.2.3.4:8080","http://bob:pw@5.6.7.8:3128"]}`, stdout.String())
	assert.Contains(t, stderr.String(), "line 2", "Malformed lines are reported and skipped")
}

func TestConvertProxies_OutputFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	out := filepath.Join(t.TempDir(), "proxies.json")

	err := convertProxies(writeProxyFile(t), out, &stdout, &stderr)
	require.NoError(t, err)

	assert.Equal(t, "Proxy dictionary written to "+out+"\n", stdout.String())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "http://bob:pw@5.6.7.8:3128")
}

func TestConvertProxies_MissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := convertProxies(filepath.Join(t.TempDir(), "nope.txt"), "", &stdout, &stderr)
	assert.Error(t, err)
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "track", "process", "run", "backfill-boxscores", "backfill-summaries", "status", "reset", "migrate", "convert-proxies"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestTrackRange(t *testing.T) {
	from, to, err := trackRange("", "")
	require.NoError(t, err)
	assert.True(t, from.IsZero())
	assert.True(t, to.IsZero())

	from, to, err = trackRange("2023-10-24", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 10, 24, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, from, to, "Single day when --to is omitted")

	from, to, err = trackRange("2023-10-24", "2024-04-14")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 14, 0, 0, 0, 0, time.UTC), to)
	assert.True(t, from.Before(to))

	_, _, err = trackRange("", "2024-01-01")
	assert.Error(t, err)

	_, _, err = trackRange("2024-01-02", "2024-01-01")
	assert.ErrorIs(t, err, models.ErrInvalidDate)

	_, _, err = trackRange("01/02/2024", "")
	assert.ErrorIs(t, err, models.ErrInvalidDate)
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	counts := map[string]int{models.StatusProcessed: 12, models.StatusPending: 2}
	calls := map[string]map[bool]int{
		models.EndpointBoxScoreTraditionalV2: {true: 40, false: 1},
		models.EndpointLeagueGameFinder:      {true: 3},
	}
	failures := []models.APICallLog{{
		Endpoint:     models.EndpointBoxScoreTraditionalV2,
		CallTime:     time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC),
		ErrorMessage: sql.NullString{String: "empty box score", Valid: true},
	}}

	printStatus(&out, counts, calls, failures)

	got := out.String()
	assert.Contains(t, got, "pending    2")
	assert.Contains(t, got, "processed  12")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("BoxScoreTraditionalV2")), bytes.Index(out.Bytes(), []byte("LeagueGameFinder")))
	assert.Contains(t, got, "ok=40 failed=1")
	assert.Contains(t, got, "Recent failures:")
	assert.Contains(t, got, "2024-01-02T09:30:00Z")
	assert.Contains(t, got, "empty box score")
}

func TestPrintStatus_NoFailures(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, map[string]int{}, map[string]map[bool]int{}, nil)
	assert.NotContains(t, out.String(), "Recent failures")
}

func TestPrintBackfill(t *testing.T) {
	var stdout, stderr bytes.Buffer
	printBackfill(&stdout, &stderr, ingest.BackfillResult{Missing: 3, Fetched: 2, Failed: []string{"0022300003"}})
	assert.Equal(t, "missing=3 fetched=2 failed=1\n", stdout.String())
	assert.Equal(t, "failed: 0022300003\n", stderr.String())
}
