package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"basnya/ingestion/internal/metrics"
	"basnya/ingestion/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// UpdatedAtColumn is attached to every raw record at write time
const UpdatedAtColumn = "updated_at"

// ErrMissingKeyColumn is returned when a record lacks a column of the derived upsert key
var ErrMissingKeyColumn = errors.New("record missing key column")

// Column types used for raw tables
const (
	columnTypeNumeric   = "NUMERIC"
	columnTypeBoolean   = "BOOLEAN"
	columnTypeTimestamp = "TIMESTAMPTZ"
	columnTypeText      = "TEXT"
)

// RawDataRepository writes upstream record groups into per-endpoint tables
type RawDataRepository struct {
	db *Database

	// mu serializes DDL and guards the caches below
	mu      sync.Mutex
	columns map[string]map[string]string // table -> column -> data type
	keys    map[string][]string          // table -> upsert key last used

	now func() time.Time
}

// NewRawDataRepository creates a raw data writer
func NewRawDataRepository(db *Database) *RawDataRepository {
	return &RawDataRepository{
		db:      db,
		columns: make(map[string]map[string]string),
		keys:    make(map[string][]string),
		now:     time.Now,
	}
}

// UpsertResponse writes every non-empty record set of resp to <endpoint>__<dataset>.
// All sets commit in one transaction and share one updated_at value, so a response is
// either stored whole or not at all.
func (r *RawDataRepository) UpsertResponse(ctx context.Context, resp *models.Response) error {
	if resp == nil {
		return nil
	}
	updatedAt := r.now().UTC()

	var plans []upsertPlan
	for _, set := range resp.Sets {
		if len(set.Records) == 0 {
			continue
		}
		table := models.RawTableName(resp.Endpoint, set.Name)
		plan, err := r.prepare(ctx, table, set.Records)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", table, err)
		}
		plans = append(plans, plan)
	}

	return r.write(ctx, plans, updatedAt)
}

// upsertPlan is one record set whose table is ready to receive it
type upsertPlan struct {
	table   string
	records []models.Record
	columns []string
	known   map[string]string
	keys    []string
	query   string
}

// prepare validates the key columns and brings the table schema up to date.
// DDL runs here, outside the data transaction.
func (r *RawDataRepository) prepare(ctx context.Context, table string, records []models.Record) (upsertPlan, error) {
	keys := models.DeriveKeyColumns(records)
	for i, rec := range records {
		for _, k := range keys {
			if !rec.Has(k) {
				return upsertPlan{}, fmt.Errorf("%w: record %d has no %s", ErrMissingKeyColumn, i, k)
			}
		}
	}

	columns := collectColumns(records)
	types := inferColumnTypes(records, columns)

	known, err := r.ensureTable(ctx, table, columns, types, keys)
	if err != nil {
		return upsertPlan{}, err
	}

	return upsertPlan{
		table:   table,
		records: records,
		columns: columns,
		known:   known,
		keys:    keys,
		query:   buildUpsertSQL(table, columns, keys),
	}, nil
}

// write sends every plan as one batch inside a single transaction
func (r *RawDataRepository) write(ctx context.Context, plans []upsertPlan, updatedAt time.Time) error {
	if len(plans) == 0 {
		return nil
	}

	start := time.Now()
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, plan := range plans {
			for _, rec := range plan.records {
				batch.Queue(plan.query, rowArgs(rec, plan.columns, plan.known, updatedAt)...)
			}
		}
		br := tx.SendBatch(ctx, batch)
		for _, plan := range plans {
			for i := range plan.records {
				if _, err := br.Exec(); err != nil {
					br.Close()
					return fmt.Errorf("failed to upsert %s record %d: %w", plan.table, i, err)
				}
			}
		}
		return br.Close()
	})
	for _, plan := range plans {
		observe("upsert", plan.table, start, err)
	}
	if err != nil {
		return err
	}

	for _, plan := range plans {
		metrics.RecordUpsert(plan.table, len(plan.records))
		log.Debug().
			Str("table", plan.table).
			Int("records", len(plan.records)).
			Strs("keys", plan.keys).
			Msg("Upserted raw records")
	}

	return nil
}

// DistinctValues returns the distinct non-null values of column as text.
// A missing table or column yields an empty result.
func (r *RawDataRepository) DistinctValues(ctx context.Context, table, column string) ([]string, error) {
	cols, err := r.loadColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if _, ok := cols[column]; !ok {
		return []string{}, nil
	}

	query := fmt.Sprintf(
		"SELECT DISTINCT %s::text FROM %s WHERE %s IS NOT NULL ORDER BY 1",
		quoteIdent(column), quoteIdent(table), quoteIdent(column),
	)

	start := time.Now()
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		observe("distinct", table, start, err)
		return nil, fmt.Errorf("failed to query distinct %s.%s: %w", table, column, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	observe("distinct", table, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to scan distinct %s.%s: %w", table, column, err)
	}

	return values, nil
}

// ExistingValues returns the subset of candidates already stored in table.column
func (r *RawDataRepository) ExistingValues(ctx context.Context, table, column string, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return []string{}, nil
	}
	cols, err := r.loadColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if _, ok := cols[column]; !ok {
		return []string{}, nil
	}

	query := fmt.Sprintf(
		"SELECT DISTINCT %s::text FROM %s WHERE %s::text = ANY($1::text[])",
		quoteIdent(column), quoteIdent(table), quoteIdent(column),
	)

	start := time.Now()
	rows, err := r.db.Pool.Query(ctx, query, candidates)
	if err != nil {
		observe("existing", table, start, err)
		return nil, fmt.Errorf("failed to query existing %s.%s: %w", table, column, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	observe("existing", table, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to scan existing %s.%s: %w", table, column, err)
	}

	return values, nil
}

// ensureTable creates table, missing columns and the key index, returning the column types in place
func (r *RawDataRepository) ensureTable(ctx context.Context, table string, columns []string, types map[string]string, keys []string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.keys[table]; ok && !equalStrings(prev, keys) {
		log.Warn().
			Str("table", table).
			Strs("previous_keys", prev).
			Strs("keys", keys).
			Msg("Derived upsert key changed for table")
	}

	known, err := r.loadColumnsLocked(ctx, table)
	if err != nil {
		return nil, err
	}

	if len(known) == 0 {
		if _, err := r.db.Pool.Exec(ctx, buildCreateTableSQL(table, columns, types)); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", table, err)
		}
		log.Info().Str("table", table).Int("columns", len(columns)).Msg("Created raw data table")
	} else {
		for _, col := range columns {
			if _, ok := known[col]; ok {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				quoteIdent(table), quoteIdent(col), types[col])
			if _, err := r.db.Pool.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("failed to add column %s.%s: %w", table, col, err)
			}
			log.Info().Str("table", table).Str("column", col).Msg("Added raw data column")
		}
	}

	if len(keys) > 0 && !equalStrings(r.keys[table], keys) {
		if _, err := r.db.Pool.Exec(ctx, buildKeyIndexSQL(table, keys)); err != nil {
			return nil, fmt.Errorf("failed to create key index on %s: %w", table, err)
		}
	}
	r.keys[table] = keys

	// reload so coercion follows the stored types, not this batch's guess
	delete(r.columns, table)
	return r.loadColumnsLocked(ctx, table)
}

func (r *RawDataRepository) loadColumns(ctx context.Context, table string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadColumnsLocked(ctx, table)
}

// loadColumnsLocked returns the cached column types of table, reading them on first use
func (r *RawDataRepository) loadColumnsLocked(ctx context.Context, table string) (map[string]string, error) {
	if cols, ok := r.columns[table]; ok {
		return cols, nil
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	// an absent table is not cached so it is looked up again after creation
	if len(cols) > 0 {
		r.columns[table] = cols
	}
	return cols, nil
}

// collectColumns returns the ordered union of record columns plus updated_at
func collectColumns(records []models.Record) []string {
	seen := make(map[string]bool)
	var columns []string
	for _, rec := range records {
		for _, c := range rec.Columns {
			if c == UpdatedAtColumn || seen[c] {
				continue
			}
			seen[c] = true
			columns = append(columns, c)
		}
	}
	return append(columns, UpdatedAtColumn)
}

// inferColumnTypes picks a SQL type per column from the first non-nil value in the batch
func inferColumnTypes(records []models.Record, columns []string) map[string]string {
	types := make(map[string]string, len(columns))
	for _, col := range columns {
		if col == UpdatedAtColumn {
			types[col] = columnTypeTimestamp
			continue
		}
		types[col] = columnTypeText
		for _, rec := range records {
			v, ok := rec.Get(col)
			if !ok || v == nil {
				continue
			}
			types[col] = sqlType(v)
			break
		}
	}
	return types
}

func sqlType(v interface{}) string {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64:
		return columnTypeNumeric
	case bool:
		return columnTypeBoolean
	case time.Time:
		return columnTypeTimestamp
	default:
		return columnTypeText
	}
}

// rowArgs lays out rec's values in column order; text columns get the string form of non-string values
func rowArgs(rec models.Record, columns []string, known map[string]string, updatedAt time.Time) []interface{} {
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		if col == UpdatedAtColumn {
			args[i] = updatedAt
			continue
		}
		v, _ := rec.Get(col)
		if v != nil && known[col] == "text" {
			if _, isString := v.(string); !isString {
				v = fmt.Sprint(v)
			}
		}
		args[i] = v
	}
	return args
}

func buildCreateTableSQL(table string, columns []string, types map[string]string) string {
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = quoteIdent(col) + " " + types[col]
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
}

func buildKeyIndexSQL(table string, keys []string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(keyIndexName(table, keys)), quoteIdent(table), joinIdents(keys))
}

// keyIndexName stays under the 63 byte identifier limit
func keyIndexName(table string, keys []string) string {
	sum := sha256.Sum256([]byte(table + "|" + strings.Join(keys, ",")))
	return "ux_" + hex.EncodeToString(sum[:8])
}

// buildUpsertSQL builds an INSERT that updates non-key columns on key conflict.
// Without keys it is a plain insert.
func buildUpsertSQL(table string, columns, keys []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), joinIdents(columns), strings.Join(placeholders, ", "))

	if len(keys) == 0 {
		return b.String()
	}

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, col := range columns {
		if isKey[col] {
			continue
		}
		q := quoteIdent(col)
		sets = append(sets, q+" = EXCLUDED."+q)
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", joinIdents(keys), strings.Join(sets, ", "))
	return b.String()
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
