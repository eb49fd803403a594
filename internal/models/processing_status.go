package models

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status values for a tracked date
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusNoGames    = "no_games"
	StatusFailed     = "failed"
)

// DateLayout is the storage/CLI form of a tracked date
const DateLayout = "2006-01-02"

// ErrInvalidDate is returned for date input that cannot be interpreted
var ErrInvalidDate = errors.New("invalid date")

// ProcessingStatus is one row of the date tracking ledger
type ProcessingStatus struct {
	Date      time.Time      `db:"date"`
	Status    string         `db:"status"`
	Attempts  int            `db:"attempts"`
	LastError sql.NullString `db:"last_error"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt sql.NullTime   `db:"updated_at"`
}

// IsTerminal reports whether a status leaves the work queue for good
func IsTerminal(status string) bool {
	switch status {
	case StatusProcessed, StatusNoGames, StatusFailed:
		return true
	}
	return false
}

// ParseDate converts a stored or user-supplied date value to a UTC midnight time
func ParseDate(v interface{}) (time.Time, error) {
	switch d := v.(type) {
	case string:
		t, err := time.Parse(DateLayout, d)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidDate, d, err)
		}
		return t, nil
	case time.Time:
		return TruncateDay(d), nil
	case *time.Time:
		if d == nil {
			return time.Time{}, fmt.Errorf("%w: nil time", ErrInvalidDate)
		}
		return TruncateDay(*d), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unexpected type %T", ErrInvalidDate, v)
	}
}

// TruncateDay drops the clock part, keeping the calendar date in UTC
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
