package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"basnya/ingestion/internal/models"

	"github.com/jackc/pgx/v5"
)

// APICallLogRepository appends to the upstream call audit trail
type APICallLogRepository struct {
	db *Database
}

// LogCall records one upstream call. errMsg is stored only for failed calls.
func (r *APICallLogRepository) LogCall(ctx context.Context, endpoint string, success bool, errMsg string) error {
	var message sql.NullString
	if !success && errMsg != "" {
		message = sql.NullString{String: errMsg, Valid: true}
	}

	start := time.Now()
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO api_call_logs (endpoint, call_time, success, error_message)
		VALUES ($1, $2, $3, $4)
	`, endpoint, time.Now().UTC(), success, message)
	observe("insert", APICallLogsTable, start, err)
	if err != nil {
		return fmt.Errorf("failed to log %s call: %w", endpoint, err)
	}

	return nil
}

// Recent returns the latest audit entries, newest first; failedOnly keeps failed calls only
func (r *APICallLogRepository) Recent(ctx context.Context, limit int, failedOnly bool) ([]models.APICallLog, error) {
	start := time.Now()
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, endpoint, call_time, success, error_message
		FROM api_call_logs
		WHERE NOT $2 OR NOT success
		ORDER BY call_time DESC, id DESC
		LIMIT $1
	`, limit, failedOnly)
	observe("select", APICallLogsTable, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query api call logs: %w", err)
	}

	logs, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.APICallLog])
	if err != nil {
		return nil, fmt.Errorf("failed to scan api call logs: %w", err)
	}

	return logs, nil
}

// CountByEndpoint returns the number of calls per endpoint split by outcome
func (r *APICallLogRepository) CountByEndpoint(ctx context.Context, since time.Time) (map[string]map[bool]int, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT endpoint, success, COUNT(*)
		FROM api_call_logs
		WHERE call_time >= $1
		GROUP BY endpoint, success
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count api calls: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[bool]int)
	for rows.Next() {
		var endpoint string
		var success bool
		var n int
		if err := rows.Scan(&endpoint, &success, &n); err != nil {
			return nil, fmt.Errorf("failed to scan api call count: %w", err)
		}
		if counts[endpoint] == nil {
			counts[endpoint] = make(map[bool]int)
		}
		counts[endpoint][success] = n
	}

	return counts, rows.Err()
}
