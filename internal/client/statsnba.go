package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"basnya/ingestion/internal/metrics"
	"basnya/ingestion/internal/models"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"
)

// LeagueNBA is the stats.nba.com league id for the NBA
const LeagueNBA = "00"

// APIDateLayout is the date format the stats API expects (MM/DD/YYYY)
const APIDateLayout = "01/02/2006"

// ErrNoResponse is returned when a body decodes to no result sets at all
var ErrNoResponse = errors.New("response carries no result sets")

var decoder = sonic.Config{UseNumber: true}.Froze()

// ProxyFunc chooses an outbound proxy per request, same shape as http.Transport.Proxy
type ProxyFunc func(*http.Request) (*url.URL, error)

// Request describes one upstream call
type Request struct {
	Endpoint string
	Params   url.Values
}

// CacheKey identifies the request independent of proxy and parameter order
func (r Request) CacheKey() string {
	sum := sha256.Sum256([]byte(r.Params.Encode()))
	return strings.ToLower(r.Endpoint) + ":" + hex.EncodeToString(sum[:8])
}

// LeagueGameFinderRequest finds NBA games in an inclusive date range
func LeagueGameFinderRequest(from, to time.Time) Request {
	params := url.Values{}
	params.Set("LeagueID", LeagueNBA)
	params.Set("PlayerOrTeam", "T")
	params.Set("DateFrom", from.Format(APIDateLayout))
	params.Set("DateTo", to.Format(APIDateLayout))
	for _, empty := range []string{
		"Conference", "Division", "GameID", "Location", "Outcome", "PORound",
		"PlayerID", "RookieYear", "Season", "SeasonSegment", "SeasonType",
		"StarterBench", "TeamID", "VsConference", "VsDivision", "VsTeamID", "YearsExperience",
	} {
		params.Set(empty, "")
	}
	return Request{Endpoint: models.EndpointLeagueGameFinder, Params: params}
}

// BoxScoreTraditionalV2Request fetches the traditional box score of one game
func BoxScoreTraditionalV2Request(gameID string) Request {
	params := url.Values{}
	params.Set("GameID", gameID)
	params.Set("StartPeriod", "0")
	params.Set("EndPeriod", "0")
	params.Set("StartRange", "0")
	params.Set("EndRange", "0")
	params.Set("RangeType", "0")
	return Request{Endpoint: models.EndpointBoxScoreTraditionalV2, Params: params}
}

// BoxScoreSummaryV2Request fetches the summary (officials, line score, inactives) of one game
func BoxScoreSummaryV2Request(gameID string) Request {
	params := url.Values{}
	params.Set("GameID", gameID)
	return Request{Endpoint: models.EndpointBoxScoreSummaryV2, Params: params}
}

// Options tunes the client
type Options struct {
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	Concurrency int
	Proxy       ProxyFunc
}

// Client is the stats.nba.com API client
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter chan struct{} // Rate limiting semaphore
	maxRetries  int
	retryDelay  time.Duration
}

// NewClient creates a new stats API client
func NewClient(baseURL string, opts Options) *Client {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	rateLimiter := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		rateLimiter <- struct{}{}
	}

	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.Proxy != nil {
		transport.Proxy = opts.Proxy
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		rateLimiter: rateLimiter,
		maxRetries:  opts.MaxRetries,
		retryDelay:  retryDelay,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
	}
}

// maxRetryAfter caps how long a server-requested pause may hold a retry
const maxRetryAfter = 2 * time.Minute

// StatusError is a non-200 answer from the API
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the pause the server asked for, zero when it sent none
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Do performs the request and returns the normalized response
func (c *Client) Do(ctx context.Context, req Request) (*models.Response, error) {
	start := time.Now()
	body, err := c.get(ctx, req)
	if err != nil {
		metrics.RecordAPICall(req.Endpoint, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to fetch %s: %w", req.Endpoint, err)
	}

	resp, err := Decode(req, body)
	if err != nil {
		metrics.RecordAPICall(req.Endpoint, "decode_error", time.Since(start).Seconds())
		return nil, err
	}

	metrics.RecordAPICall(req.Endpoint, "success", time.Since(start).Seconds())
	return resp, nil
}

// get performs a GET request with retry logic and rate limiting
func (c *Client) get(ctx context.Context, req Request) ([]byte, error) {
	endpointURL := fmt.Sprintf("%s/%s", c.baseURL, strings.ToLower(req.Endpoint))

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt, lastErr)
			log.Info().
				Str("url", endpointURL).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying API request after backoff")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, err := c.attempt(ctx, endpointURL, req.Params)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.Warn().
			Err(err).
			Str("url", endpointURL).
			Int("attempt", attempt+1).
			Msg("API request failed")
	}

	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, endpointURL string, params url.Values) ([]byte, error) {
	// Rate limiting: acquire semaphore
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.rateLimiter:
	}
	defer func() { c.rateLimiter <- struct{}{} }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setStatsHeaders(httpReq)
	if len(params) > 0 {
		httpReq.URL.RawQuery = params.Encode()
	}

	log.Debug().
		Str("url", endpointURL).
		Str("query", httpReq.URL.RawQuery).
		Msg("Making API request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 256),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	log.Debug().
		Str("url", endpointURL).
		Int("size", len(body)).
		Msg("API request successful")
	return body, nil
}

// backoff is exponential with jitter and honors an explicit Retry-After
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
	var statusErr *StatusError
	if errors.As(lastErr, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests {
			delay *= 2
		}
		if statusErr.RetryAfter > delay {
			delay = statusErr.RetryAfter
		}
	}
	return delay + time.Duration(rand.Intn(250))*time.Millisecond
}

// parseRetryAfter reads delay-seconds or an HTTP date; anything else is zero
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	var delay time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		delay = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		delay = at.Sub(now)
	}
	if delay <= 0 {
		return 0
	}
	if delay > maxRetryAfter {
		return maxRetryAfter
	}
	return delay
}

// stats.nba.com rejects requests that do not look like they come from the website
func setStatsHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Origin", "https://www.nba.com")
	req.Header.Set("Referer", "https://www.nba.com/")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("x-nba-stats-origin", "stats")
	req.Header.Set("x-nba-stats-token", "true")
}

type rawResultSet struct {
	Name    string          `json:"name"`
	Headers json.RawMessage `json:"headers"`
	RowSet  [][]interface{} `json:"rowSet"`
}

type rawEnvelope struct {
	ResultSets []rawResultSet `json:"resultSets"`
	ResultSet  *rawResultSet  `json:"resultSet"`
}

// Decode normalizes a stats API body into named record sets
func Decode(req Request, body []byte) (*models.Response, error) {
	var env rawEnvelope
	if err := decoder.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s response: %w", req.Endpoint, err)
	}

	sets := env.ResultSets
	if len(sets) == 0 && env.ResultSet != nil {
		sets = []rawResultSet{*env.ResultSet}
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%s: %w", req.Endpoint, ErrNoResponse)
	}

	resp := &models.Response{Endpoint: req.Endpoint, Raw: body}
	for _, rs := range sets {
		headers, err := decodeHeaders(rs.Headers)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", req.Endpoint, rs.Name, err)
		}
		set := models.RecordSet{Name: rs.Name, Records: make([]models.Record, 0, len(rs.RowSet))}
		for _, row := range rs.RowSet {
			for i := range row {
				row[i] = normalizeValue(row[i])
			}
			set.Records = append(set.Records, models.NewRecord(headers, row))
		}
		resp.Sets = append(resp.Sets, set)
	}

	return resp, nil
}

// headers is a flat string list for the endpoints we use; some endpoints nest column groups
func decodeHeaders(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var flat []string
	if err := decoder.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var grouped []struct {
		ColumnNames []string `json:"columnNames"`
	}
	if err := decoder.Unmarshal(raw, &grouped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	if len(grouped) == 0 {
		return nil, nil
	}
	return grouped[len(grouped)-1].ColumnNames, nil
}

// normalizeValue turns json.Number into int64 or float64
func normalizeValue(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(n.String(), 64); err == nil {
		return f
	}
	return n.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
