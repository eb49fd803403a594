package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"basnya/ingestion/internal/metrics"
	"basnya/ingestion/internal/models"

	"github.com/jackc/pgx/v5"
)

// ErrNotClaimed is returned when a transition is attempted on a date this worker does not hold
var ErrNotClaimed = errors.New("date is not claimed for processing")

// ProcessingStatusRepository is the per-date work ledger
type ProcessingStatusRepository struct {
	db *Database
}

// PopulatePending registers every date in [start, end] as pending.
// Dates already present keep their status. Returns the number of dates added.
func (r *ProcessingStatusRepository) PopulatePending(ctx context.Context, start, end time.Time) (int64, error) {
	start, end = models.TruncateDay(start), models.TruncateDay(end)
	if end.Before(start) {
		return 0, fmt.Errorf("%w: range end %s before start %s",
			models.ErrInvalidDate, end.Format(models.DateLayout), start.Format(models.DateLayout))
	}

	began := time.Now()
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO date_processing_status (date, status, created_at)
		SELECT d::date, 'pending', NOW()
		FROM generate_series($1::date, $2::date, INTERVAL '1 day') AS d
		ON CONFLICT (date) DO NOTHING
	`, start, end)
	observe("insert", ProcessingStatusTable, began, err)
	if err != nil {
		return 0, fmt.Errorf("failed to populate pending dates: %w", err)
	}

	return tag.RowsAffected(), nil
}

// PendingDates returns the dates waiting to be processed, oldest first
func (r *ProcessingStatusRepository) PendingDates(ctx context.Context) ([]time.Time, error) {
	began := time.Now()
	rows, err := r.db.Pool.Query(ctx, `
		SELECT date FROM date_processing_status
		WHERE status = 'pending'
		ORDER BY date
	`)
	if err != nil {
		observe("select", ProcessingStatusTable, began, err)
		return nil, fmt.Errorf("failed to query pending dates: %w", err)
	}

	dates, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	observe("select", ProcessingStatusTable, began, err)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending dates: %w", err)
	}

	for i := range dates {
		dates[i] = models.TruncateDay(dates[i])
	}
	metrics.PendingDates.Set(float64(len(dates)))

	return dates, nil
}

// Claim moves date from pending to processing and bumps its attempt count.
// ok is false when the date is not pending, e.g. another worker holds it.
func (r *ProcessingStatusRepository) Claim(ctx context.Context, date time.Time) (attempts int, ok bool, err error) {
	began := time.Now()
	err = r.db.Pool.QueryRow(ctx, `
		UPDATE date_processing_status
		SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
		WHERE date = $1 AND status = 'pending'
		RETURNING attempts
	`, models.TruncateDay(date)).Scan(&attempts)
	observe("update", ProcessingStatusTable, began, err)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to claim %s: %w", date.Format(models.DateLayout), err)
	}

	metrics.RecordDateTransition(models.StatusProcessing)
	return attempts, true, nil
}

// Complete moves a claimed date to a terminal status
func (r *ProcessingStatusRepository) Complete(ctx context.Context, date time.Time, status, errMsg string) error {
	if !models.IsTerminal(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return r.transition(ctx, date, status, errMsg, false)
}

// Release hands a claimed date back to the queue, recording why.
// The claim keeps counting as an attempt.
func (r *ProcessingStatusRepository) Release(ctx context.Context, date time.Time, errMsg string) error {
	return r.transition(ctx, date, models.StatusPending, errMsg, false)
}

// Unclaim hands a claimed date back to the queue and takes back the attempt its claim spent
func (r *ProcessingStatusRepository) Unclaim(ctx context.Context, date time.Time, errMsg string) error {
	return r.transition(ctx, date, models.StatusPending, errMsg, true)
}

func (r *ProcessingStatusRepository) transition(ctx context.Context, date time.Time, status, errMsg string, refund bool) error {
	var lastError *string
	if errMsg != "" {
		lastError = &errMsg
	}

	began := time.Now()
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE date_processing_status
		SET status = $2, last_error = $3, updated_at = NOW(),
			attempts = CASE WHEN $4 THEN GREATEST(attempts - 1, 0) ELSE attempts END
		WHERE date = $1 AND status = 'processing'
	`, models.TruncateDay(date), status, lastError, refund)
	observe("update", ProcessingStatusTable, began, err)
	if err != nil {
		return fmt.Errorf("failed to set %s to %s: %w", date.Format(models.DateLayout), status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s -> %s: %w", date.Format(models.DateLayout), status, ErrNotClaimed)
	}

	metrics.RecordDateTransition(status)
	return nil
}

// ReclaimStale returns processing rows untouched since cutoff to pending
func (r *ProcessingStatusRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	began := time.Now()
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE date_processing_status
		SET status = 'pending', last_error = 'claim expired', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`, cutoff)
	observe("update", ProcessingStatusTable, began, err)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale dates: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Reset puts a date back in the queue regardless of its status, clearing attempts
func (r *ProcessingStatusRepository) Reset(ctx context.Context, date time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE date_processing_status
		SET status = 'pending', attempts = 0, last_error = NULL, updated_at = NOW()
		WHERE date = $1
	`, models.TruncateDay(date))
	if err != nil {
		return fmt.Errorf("failed to reset %s: %w", date.Format(models.DateLayout), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is not tracked", models.ErrInvalidDate, date.Format(models.DateLayout))
	}

	return nil
}

// Get returns the ledger row for date
func (r *ProcessingStatusRepository) Get(ctx context.Context, date time.Time) (*models.ProcessingStatus, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT date, status, attempts, last_error, created_at, updated_at
		FROM date_processing_status
		WHERE date = $1
	`, models.TruncateDay(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query status of %s: %w", date.Format(models.DateLayout), err)
	}

	status, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.ProcessingStatus])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan status of %s: %w", date.Format(models.DateLayout), err)
	}

	status.Date = models.TruncateDay(status.Date)
	return status, nil
}

// CountByStatus returns the number of dates per status
func (r *ProcessingStatusRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT status, COUNT(*) FROM date_processing_status GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count dates by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}

	return counts, rows.Err()
}
