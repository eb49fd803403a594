// Package ingest fetches games and box scores from the stats API and drives
// the per-date work ledger.
package ingest

import (
	"context"
	"errors"
	"time"

	"basnya/ingestion/internal/client"
	"basnya/ingestion/internal/models"
)

// ErrEmptyBoxScore is returned when the API answers a known game id with no rows
var ErrEmptyBoxScore = errors.New("empty box score")

// ErrEmptySummary is returned when a game summary comes back without rows
var ErrEmptySummary = errors.New("empty box score summary")

// GameIDColumn is the natural key shared by games and box scores
const GameIDColumn = "GAME_ID"

// Raw tables read back by the orchestration loop
var (
	GamesTable    = models.RawTableName(models.EndpointLeagueGameFinder, models.DataSetLeagueGameFinderResults)
	BoxScoreTable = models.RawTableName(models.EndpointBoxScoreTraditionalV2, models.DataSetTeamStats)
	SummaryTable  = models.RawTableName(models.EndpointBoxScoreSummaryV2, models.DataSetGameSummary)
)

// StatsAPI performs upstream calls
type StatsAPI interface {
	Do(ctx context.Context, req client.Request) (*models.Response, error)
}

// RawWriter persists and reads back raw record groups
type RawWriter interface {
	UpsertResponse(ctx context.Context, resp *models.Response) error
	DistinctValues(ctx context.Context, table, column string) ([]string, error)
	ExistingValues(ctx context.Context, table, column string, candidates []string) ([]string, error)
}

// CallLogger records one audit entry per logical upstream call
type CallLogger interface {
	LogCall(ctx context.Context, endpoint string, success bool, errMsg string) error
}

// Ledger is the per-date work queue
type Ledger interface {
	PopulatePending(ctx context.Context, start, end time.Time) (int64, error)
	PendingDates(ctx context.Context) ([]time.Time, error)
	Claim(ctx context.Context, date time.Time) (attempts int, ok bool, err error)
	Complete(ctx context.Context, date time.Time, status, errMsg string) error
	Release(ctx context.Context, date time.Time, errMsg string) error
	Unclaim(ctx context.Context, date time.Time, errMsg string) error
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// ResponseCache keeps raw upstream bodies between runs
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, body []byte) error
}
