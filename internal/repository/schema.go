package repository

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Fixed table names. Raw data tables are named at runtime, see models.RawTableName.
const (
	ProcessingStatusTable = "date_processing_status"
	APICallLogsTable      = "api_call_logs"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS date_processing_status (
		date        DATE PRIMARY KEY,
		status      TEXT NOT NULL DEFAULT 'pending'
		            CHECK (status IN ('pending', 'processing', 'processed', 'no_games', 'failed')),
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS date_processing_status_status_idx
		ON date_processing_status (status)`,
	`CREATE TABLE IF NOT EXISTS api_call_logs (
		id             BIGSERIAL PRIMARY KEY,
		endpoint       TEXT NOT NULL,
		call_time      TIMESTAMPTZ NOT NULL,
		success        BOOLEAN NOT NULL,
		error_message  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS api_call_logs_call_time_idx
		ON api_call_logs (call_time DESC)`,
}

// Migrate creates the ledger and audit tables when missing
func (db *Database) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	log.Info().Int("statements", len(schemaStatements)).Msg("Database schema up to date")
	return nil
}
