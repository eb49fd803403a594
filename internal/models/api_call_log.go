package models

import (
	"database/sql"
	"time"
)

// Upstream endpoint names as recorded in the audit log and raw table names
const (
	EndpointLeagueGameFinder      = "LeagueGameFinder"
	EndpointBoxScoreTraditionalV2 = "BoxScoreTraditionalV2"
	EndpointBoxScoreSummaryV2     = "BoxScoreSummaryV2"
)

// Data set names the ingestion core reads back
const (
	DataSetLeagueGameFinderResults = "LeagueGameFinderResults"
	DataSetTeamStats               = "TeamStats"
	DataSetGameSummary             = "GameSummary"
)

// APICallLog is an immutable audit entry for one upstream call
type APICallLog struct {
	ID           int64          `db:"id"`
	Endpoint     string         `db:"endpoint"`
	CallTime     time.Time      `db:"call_time"`
	Success      bool           `db:"success"`
	ErrorMessage sql.NullString `db:"error_message"`
}
