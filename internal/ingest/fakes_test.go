package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"basnya/ingestion/internal/client"
	"basnya/ingestion/internal/models"

	"github.com/stretchr/testify/require"
)

// fakeAPI answers stats requests from per-endpoint handlers and counts calls
type fakeAPI struct {
	mu       sync.Mutex
	games    func(dateFrom string) (*models.Response, error)
	boxScore func(gameID string) (*models.Response, error)
	summary  func(gameID string) (*models.Response, error)
	calls    map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{calls: make(map[string]int)}
}

func (f *fakeAPI) Do(ctx context.Context, req client.Request) (*models.Response, error) {
	f.mu.Lock()
	switch req.Endpoint {
	case models.EndpointLeagueGameFinder:
		f.calls[req.Endpoint+":"+req.Params.Get("DateFrom")]++
	case models.EndpointBoxScoreTraditionalV2, models.EndpointBoxScoreSummaryV2:
		f.calls[req.Endpoint+":"+req.Params.Get("GameID")]++
	}
	f.mu.Unlock()

	switch req.Endpoint {
	case models.EndpointLeagueGameFinder:
		return f.games(req.Params.Get("DateFrom"))
	case models.EndpointBoxScoreTraditionalV2:
		return f.boxScore(req.Params.Get("GameID"))
	case models.EndpointBoxScoreSummaryV2:
		return f.summary(req.Params.Get("GameID"))
	}
	return nil, fmt.Errorf("unexpected endpoint %s", req.Endpoint)
}

func (f *fakeAPI) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// fakeWriter keeps written game ids per raw table
type fakeWriter struct {
	mu       sync.Mutex
	stored   map[string]map[string]struct{}
	written  []*models.Response
	failWith error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{stored: make(map[string]map[string]struct{})}
}

func (w *fakeWriter) UpsertResponse(ctx context.Context, resp *models.Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return w.failWith
	}
	w.written = append(w.written, resp)
	for _, set := range resp.Sets {
		table := models.RawTableName(resp.Endpoint, set.Name)
		for _, id := range resp.DistinctValues(set.Name, GameIDColumn) {
			if w.stored[table] == nil {
				w.stored[table] = make(map[string]struct{})
			}
			w.stored[table][id] = struct{}{}
		}
	}
	return nil
}

func (w *fakeWriter) DistinctValues(ctx context.Context, table, column string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	values := []string{}
	for id := range w.stored[table] {
		values = append(values, id)
	}
	sort.Strings(values)
	return values, nil
}

func (w *fakeWriter) ExistingValues(ctx context.Context, table, column string, candidates []string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	values := []string{}
	for _, id := range candidates {
		if _, ok := w.stored[table][id]; ok {
			values = append(values, id)
		}
	}
	return values, nil
}

func (w *fakeWriter) writes(endpoint string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, r := range w.written {
		if r.Endpoint == endpoint {
			n++
		}
	}
	return n
}

type callEntry struct {
	endpoint string
	success  bool
	message  string
}

// fakeCalls records audit entries
type fakeCalls struct {
	mu      sync.Mutex
	entries []callEntry
}

func (c *fakeCalls) LogCall(ctx context.Context, endpoint string, success bool, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, callEntry{endpoint: endpoint, success: success, message: errMsg})
	return nil
}

func (c *fakeCalls) count(endpoint string, success bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.endpoint == endpoint && e.success == success {
			n++
		}
	}
	return n
}

type ledgerRow struct {
	status    string
	attempts  int
	lastError string
	updatedAt time.Time
}

// fakeLedger enforces the same transitions as the SQL ledger
type fakeLedger struct {
	mu   sync.Mutex
	rows map[time.Time]*ledgerRow
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[time.Time]*ledgerRow)}
}

func (l *fakeLedger) PopulatePending(ctx context.Context, start, end time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if models.TruncateDay(end).Before(models.TruncateDay(start)) {
		return 0, models.ErrInvalidDate
	}
	var added int64
	for _, d := range daysBetween(start, end) {
		if _, ok := l.rows[d]; ok {
			continue
		}
		l.rows[d] = &ledgerRow{status: models.StatusPending}
		added++
	}
	return added, nil
}

func daysBetween(start, end time.Time) []time.Time {
	start, end = models.TruncateDay(start), models.TruncateDay(end)
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (l *fakeLedger) PendingDates(ctx context.Context) ([]time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var dates []time.Time
	for d, row := range l.rows {
		if row.status == models.StatusPending {
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func (l *fakeLedger) Claim(ctx context.Context, date time.Time) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[models.TruncateDay(date)]
	if !ok || row.status != models.StatusPending {
		return 0, false, nil
	}
	row.status = models.StatusProcessing
	row.attempts++
	row.updatedAt = time.Now()
	return row.attempts, true, nil
}

func (l *fakeLedger) Complete(ctx context.Context, date time.Time, status, errMsg string) error {
	if !models.IsTerminal(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return l.transition(date, status, errMsg, false)
}

func (l *fakeLedger) Release(ctx context.Context, date time.Time, errMsg string) error {
	return l.transition(date, models.StatusPending, errMsg, false)
}

func (l *fakeLedger) Unclaim(ctx context.Context, date time.Time, errMsg string) error {
	return l.transition(date, models.StatusPending, errMsg, true)
}

func (l *fakeLedger) transition(date time.Time, status, errMsg string, refund bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[models.TruncateDay(date)]
	if !ok || row.status != models.StatusProcessing {
		return errors.New("date is not claimed for processing")
	}
	if refund && row.attempts > 0 {
		row.attempts--
	}
	row.status = status
	row.lastError = errMsg
	row.updatedAt = time.Now()
	return nil
}

func (l *fakeLedger) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, row := range l.rows {
		if row.status == models.StatusProcessing && row.updatedAt.Before(cutoff) {
			row.status = models.StatusPending
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) row(s string) ledgerRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	if row, ok := l.rows[d]; ok {
		return *row
	}
	return ledgerRow{}
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := models.ParseDate(s)
	require.NoError(t, err)
	return d
}

// gamesResponse mimics LeagueGameFinder: every game appears once per team
func gamesResponse(t *testing.T, ids ...string) *models.Response {
	t.Helper()
	var rows []string
	for i, id := range ids {
		for team := 0; team < 2; team++ {
			rows = append(rows, fmt.Sprintf(`["22023", %d, "%s", "2024-01-02", %d, 0.5]`, 1610612737+team, id, 100+i))
		}
	}
	body := fmt.Sprintf(`{"resource":"leaguegamefinderresults","parameters":{},"resultSets":[`+
		`{"name":"LeagueGameFinderResults","headers":["SEASON_ID","TEAM_ID","GAME_ID","GAME_DATE","PTS","FG_PCT"],"rowSet":[%s]}]}`,
		strings.Join(rows, ","))
	resp, err := client.Decode(client.Request{Endpoint: models.EndpointLeagueGameFinder}, []byte(body))
	require.NoError(t, err)
	return resp
}

func boxScoreResponse(t *testing.T, gameID string) *models.Response {
	t.Helper()
	body := fmt.Sprintf(`{"resource":"boxscore","parameters":{"GameID":"%[1]s"},"resultSets":[`+
		`{"name":"PlayerStats","headers":["GAME_ID","TEAM_ID","PLAYER_ID","PTS"],"rowSet":[["%[1]s",1610612737,203999,31],["%[1]s",1610612738,1628369,27]]},`+
		`{"name":"TeamStats","headers":["GAME_ID","TEAM_ID","PTS"],"rowSet":[["%[1]s",1610612737,118],["%[1]s",1610612738,112]]}]}`,
		gameID)
	resp, err := client.Decode(client.Request{Endpoint: models.EndpointBoxScoreTraditionalV2}, []byte(body))
	require.NoError(t, err)
	return resp
}

func summaryResponse(t *testing.T, gameID string) *models.Response {
	t.Helper()
	body := fmt.Sprintf(`{"resource":"boxscoresummary","resultSets":[`+
		`{"name":"GameSummary","headers":["GAME_DATE_EST","GAME_ID","GAME_STATUS_TEXT","HOME_TEAM_ID","VISITOR_TEAM_ID"],`+
		`"rowSet":[["2024-01-02T00:00:00","%[1]s","Final",1610612737,1610612738]]},`+
		`{"name":"Officials","headers":["GAME_ID","OFFICIAL_ID","FIRST_NAME","LAST_NAME"],"rowSet":[]}]}`,
		gameID)
	resp, err := client.Decode(client.Request{Endpoint: models.EndpointBoxScoreSummaryV2}, []byte(body))
	require.NoError(t, err)
	return resp
}

func emptyBoxScoreResponse(t *testing.T) *models.Response {
	t.Helper()
	body := `{"resource":"boxscore","resultSets":[` +
		`{"name":"PlayerStats","headers":["GAME_ID","TEAM_ID","PLAYER_ID","PTS"],"rowSet":[]},` +
		`{"name":"TeamStats","headers":["GAME_ID","TEAM_ID","PTS"],"rowSet":[]}]}`
	resp, err := client.Decode(client.Request{Endpoint: models.EndpointBoxScoreTraditionalV2}, []byte(body))
	require.NoError(t, err)
	return resp
}

// testEnv wires a processor over fakes
type testEnv struct {
	api     *fakeAPI
	writer  *fakeWriter
	calls   *fakeCalls
	ledger  *fakeLedger
	fetcher *Fetcher
	proc    *Processor
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		api:    newFakeAPI(),
		writer: newFakeWriter(),
		calls:  &fakeCalls{},
		ledger: newFakeLedger(),
	}
	env.api.games = func(string) (*models.Response, error) { return gamesResponse(t), nil }
	env.api.boxScore = func(id string) (*models.Response, error) { return boxScoreResponse(t, id), nil }
	env.api.summary = func(id string) (*models.Response, error) { return summaryResponse(t, id), nil }
	env.fetcher = NewFetcher(env.api, env.writer, env.calls, nil, RetryPolicy{Attempts: 3})
	env.proc = NewProcessor(env.fetcher, env.ledger, env.writer, opts)
	return env
}
