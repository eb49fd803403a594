package models

import (
	"fmt"
	"strings"
)

// Natural identifier columns used to derive upsert keys, in key order
var NaturalKeyColumns = []string{"SEASON_ID", "TEAM_ID", "GAME_ID", "PLAYER_ID"}

// Record is a single row of an upstream result set with column order preserved
type Record struct {
	Columns []string
	Values  []interface{}
}

// NewRecord zips headers and a row into a Record
// Extra row values are dropped, missing ones become nil
func NewRecord(headers []string, row []interface{}) Record {
	rec := Record{
		Columns: make([]string, len(headers)),
		Values:  make([]interface{}, len(headers)),
	}
	copy(rec.Columns, headers)
	for i := range headers {
		if i < len(row) {
			rec.Values[i] = row[i]
		}
	}
	return rec
}

// Get returns the value stored under col
func (r Record) Get(col string) (interface{}, bool) {
	for i, c := range r.Columns {
		if c == col {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Has reports whether the record carries col, even with a nil value
func (r Record) Has(col string) bool {
	_, ok := r.Get(col)
	return ok
}

// RecordSet is a named group of records (one upstream data set)
type RecordSet struct {
	Name    string
	Records []Record
}

// Response is the normalized result of one upstream call
type Response struct {
	// Endpoint is the upstream endpoint name, e.g. "LeagueGameFinder"
	Endpoint string
	Sets     []RecordSet
	// Raw holds the undecoded body, kept for caching
	Raw []byte
}

// Set returns the record set with the given name
func (r *Response) Set(name string) (RecordSet, bool) {
	if r == nil {
		return RecordSet{}, false
	}
	for _, s := range r.Sets {
		if s.Name == name {
			return s, true
		}
	}
	return RecordSet{}, false
}

// IsEmpty reports whether no data set carries any record
func (r *Response) IsEmpty() bool {
	if r == nil {
		return true
	}
	for _, s := range r.Sets {
		if len(s.Records) > 0 {
			return false
		}
	}
	return true
}

// RecordCount returns the total number of records across all sets
func (r *Response) RecordCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, s := range r.Sets {
		n += len(s.Records)
	}
	return n
}

// DistinctValues collects the distinct string forms of col within set, in first-seen order
func (r *Response) DistinctValues(set, col string) []string {
	rs, ok := r.Set(set)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range rs.Records {
		v, ok := rec.Get(col)
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// RawTableName builds the table name for an endpoint data set: <endpoint>__<dataset>, lower-case
func RawTableName(endpoint, dataSet string) string {
	return strings.ToLower(endpoint) + "__" + strings.ToLower(dataSet)
}

// DeriveKeyColumns returns the natural identifier columns present in the first record
func DeriveKeyColumns(records []Record) []string {
	keys := []string{}
	if len(records) == 0 {
		return keys
	}
	for _, col := range NaturalKeyColumns {
		if records[0].Has(col) {
			keys = append(keys, col)
		}
	}
	return keys
}
