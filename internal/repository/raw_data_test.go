package repository

import (
	"testing"
	"time"

	"basnya/ingestion/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestBuildUpsertSQL(t *testing.T) {
	columns := []string{"GAME_ID", "TEAM_ID", "PTS", "updated_at"}

	sql := buildUpsertSQL("boxscoretraditionalv2__teamstats", columns, []string{"TEAM_ID", "GAME_ID"})

	assert.Equal(t,
		`INSERT INTO "boxscoretraditionalv2__teamstats" ("GAME_ID", "TEAM_ID", "PTS", "updated_at") `+
			`VALUES ($1, $2, $3, $4) `+
			`ON CONFLICT ("TEAM_ID", "GAME_ID") DO UPDATE SET "PTS" = EXCLUDED."PTS", "updated_at" = EXCLUDED."updated_at"`,
		sql)
}

func TestBuildUpsertSQL_NoKeysIsPlainInsert(t *testing.T) {
	sql := buildUpsertSQL("x__y", []string{"A", "updated_at"}, nil)

	assert.Equal(t, `INSERT INTO "x__y" ("A", "updated_at") VALUES ($1, $2)`, sql)
	assert.NotContains(t, sql, "ON CONFLICT")
}

func TestBuildCreateTableSQL(t *testing.T) {
	sql := buildCreateTableSQL("t", []string{"GAME_ID", "PTS", "updated_at"}, map[string]string{
		"GAME_ID":    columnTypeText,
		"PTS":        columnTypeNumeric,
		"updated_at": columnTypeTimestamp,
	})

	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "t" ("GAME_ID" TEXT, "PTS" NUMERIC, "updated_at" TIMESTAMPTZ)`, sql)
}

func TestKeyIndexName(t *testing.T) {
	a := keyIndexName("leaguegamefinder__leaguegamefinderresults", []string{"SEASON_ID", "TEAM_ID", "GAME_ID"})
	b := keyIndexName("leaguegamefinder__leaguegamefinderresults", []string{"SEASON_ID", "TEAM_ID", "GAME_ID"})
	c := keyIndexName("leaguegamefinder__leaguegamefinderresults", []string{"GAME_ID"})

	assert.Equal(t, a, b, "Index name should be deterministic")
	assert.NotEqual(t, a, c, "Different keys need different indexes")
	assert.LessOrEqual(t, len(a), 63)
	assert.Contains(t, buildKeyIndexSQL("t", []string{"GAME_ID"}), `ON "t" ("GAME_ID")`)
}

func TestQuoteIdent_EscapesQuotes(t *testing.T) {
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}

func TestCollectColumns(t *testing.T) {
	records := []models.Record{
		{Columns: []string{"GAME_ID", "PTS"}, Values: []interface{}{"1", int64(100)}},
		{Columns: []string{"GAME_ID", "AST", "updated_at"}, Values: []interface{}{"2", int64(20), "stale"}},
	}

	assert.Equal(t, []string{"GAME_ID", "PTS", "AST", "updated_at"}, collectColumns(records))
}

func TestInferColumnTypes(t *testing.T) {
	records := []models.Record{
		{Columns: []string{"GAME_ID", "PTS", "FG_PCT", "WL", "MIN", "HOME"}, Values: []interface{}{"0022300001", int64(110), nil, nil, nil, true}},
		{Columns: []string{"GAME_ID", "PTS", "FG_PCT", "WL", "MIN", "HOME"}, Values: []interface{}{"0022300001", int64(98), 0.456, "W", nil, false}},
	}
	columns := collectColumns(records)

	types := inferColumnTypes(records, columns)

	assert.Equal(t, columnTypeText, types["GAME_ID"])
	assert.Equal(t, columnTypeNumeric, types["PTS"])
	assert.Equal(t, columnTypeNumeric, types["FG_PCT"], "First non-nil value decides")
	assert.Equal(t, columnTypeText, types["WL"])
	assert.Equal(t, columnTypeText, types["MIN"], "All-null columns default to text")
	assert.Equal(t, columnTypeBoolean, types["HOME"])
	assert.Equal(t, columnTypeTimestamp, types[UpdatedAtColumn])
}

func TestRowArgs(t *testing.T) {
	ts := time.Date(2024, 1, 2, 9, 25, 0, 0, time.UTC)
	rec := models.Record{Columns: []string{"GAME_ID", "TEAM_ID", "PTS"}, Values: []interface{}{"0022300001", int64(1610612737), int64(110)}}
	columns := []string{"GAME_ID", "TEAM_ID", "PTS", "AST", "updated_at"}
	known := map[string]string{"GAME_ID": "text", "TEAM_ID": "text", "PTS": "numeric", "AST": "numeric", "updated_at": "timestamp with time zone"}

	args := rowArgs(rec, columns, known, ts)

	assert.Equal(t, []interface{}{"0022300001", "1610612737", int64(110), nil, ts}, args)
}

func TestEqualStrings(t *testing.T) {
	assert.True(t, equalStrings(nil, []string{}))
	assert.True(t, equalStrings([]string{"A", "B"}, []string{"A", "B"}))
	assert.False(t, equalStrings([]string{"A", "B"}, []string{"B", "A"}))
}
