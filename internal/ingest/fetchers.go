package ingest

import (
	"context"
	"fmt"
	"time"

	"basnya/ingestion/internal/client"
	"basnya/ingestion/internal/models"

	"github.com/rs/zerolog/log"
)

// Fetcher wraps the two upstream call shapes the ingestion needs
type Fetcher struct {
	api    StatsAPI
	writer RawWriter
	calls  CallLogger
	cache  ResponseCache
	retry  RetryPolicy
}

// NewFetcher creates a Fetcher. cache may be nil.
func NewFetcher(api StatsAPI, writer RawWriter, calls CallLogger, cache ResponseCache, retry RetryPolicy) *Fetcher {
	return &Fetcher{
		api:    api,
		writer: writer,
		calls:  calls,
		cache:  cache,
		retry:  retry,
	}
}

// FetchGames fetches the league games in [start, end], writes them and logs the call.
// A day without games yields an empty, non-nil response.
func (f *Fetcher) FetchGames(ctx context.Context, start, end time.Time) (*models.Response, error) {
	req := client.LeagueGameFinderRequest(start, end)
	logger := log.With().
		Str("endpoint", req.Endpoint).
		Str("date_from", start.Format(client.APIDateLayout)).
		Str("date_to", end.Format(client.APIDateLayout)).
		Logger()

	resp, err := f.fetch(ctx, req, nil)
	if err == nil {
		if werr := f.writer.UpsertResponse(ctx, resp); werr != nil {
			err = fmt.Errorf("failed to store games: %w", werr)
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("Error fetching games")
		if logErr := f.logCall(ctx, req.Endpoint, err); logErr != nil {
			return nil, fmt.Errorf("%w (audit log failed: %v)", err, logErr)
		}
		return nil, err
	}

	if err := f.logCall(ctx, req.Endpoint, nil); err != nil {
		return nil, err
	}

	logger.Info().
		Int("records", resp.RecordCount()).
		Msg("Fetched games")

	return resp, nil
}

// FetchBoxScore fetches the traditional box score of gameID.
// An empty answer is an error and is retried. The caller writes and logs the result.
func (f *Fetcher) FetchBoxScore(ctx context.Context, gameID string) (*models.Response, error) {
	req := client.BoxScoreTraditionalV2Request(gameID)

	resp, err := f.fetch(ctx, req, func(r *models.Response) error {
		if r.IsEmpty() {
			return fmt.Errorf("game %s: %w", gameID, ErrEmptyBoxScore)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// FetchSummary fetches the box score summary of gameID. Like FetchBoxScore, an empty
// answer is retried and the caller writes and logs the result.
func (f *Fetcher) FetchSummary(ctx context.Context, gameID string) (*models.Response, error) {
	req := client.BoxScoreSummaryV2Request(gameID)

	return f.fetch(ctx, req, func(r *models.Response) error {
		if r.IsEmpty() {
			return fmt.Errorf("game %s: %w", gameID, ErrEmptySummary)
		}
		return nil
	})
}

// LogCall records the outcome of a logical call made through this fetcher
func (f *Fetcher) LogCall(ctx context.Context, endpoint string, callErr error) error {
	return f.logCall(ctx, endpoint, callErr)
}

func (f *Fetcher) logCall(ctx context.Context, endpoint string, callErr error) error {
	success := callErr == nil
	msg := ""
	if callErr != nil {
		msg = callErr.Error()
	}
	// the outcome must be recorded even when the run is being cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := f.calls.LogCall(ctx, endpoint, success, msg); err != nil {
		return fmt.Errorf("failed to record %s call: %w", endpoint, err)
	}
	return nil
}

// fetch serves req from the cache when possible, otherwise calls the API with retries.
// validate rejects answers that should be retried; rejected answers are never cached.
func (f *Fetcher) fetch(ctx context.Context, req client.Request, validate func(*models.Response) error) (*models.Response, error) {
	key := req.CacheKey()

	if resp, ok := f.fromCache(ctx, req, key, validate); ok {
		return resp, nil
	}

	var resp *models.Response
	err := retry(ctx, f.retry, req.Endpoint, func(ctx context.Context) error {
		r, err := f.api.Do(ctx, req)
		if err != nil {
			return err
		}
		if validate != nil {
			if err := validate(r); err != nil {
				return err
			}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if f.cache != nil && len(resp.Raw) > 0 {
		if err := f.cache.Set(ctx, key, resp.Raw); err != nil {
			log.Warn().Err(err).Str("cache_key", key).Msg("Failed to cache response")
		}
	}

	return resp, nil
}

func (f *Fetcher) fromCache(ctx context.Context, req client.Request, key string, validate func(*models.Response) error) (*models.Response, bool) {
	if f.cache == nil {
		return nil, false
	}

	body, ok, err := f.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("cache_key", key).Msg("Cache lookup failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	resp, err := client.Decode(req, body)
	if err != nil {
		log.Warn().Err(err).Str("cache_key", key).Msg("Ignoring undecodable cached response")
		return nil, false
	}
	if validate != nil && validate(resp) != nil {
		return nil, false
	}

	log.Debug().Str("cache_key", key).Str("endpoint", req.Endpoint).Msg("Serving response from cache")
	return resp, true
}
