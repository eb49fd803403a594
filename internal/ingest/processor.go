package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"basnya/ingestion/internal/metrics"
	"basnya/ingestion/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// Options tunes the orchestration loop
type Options struct {
	// BoxScoreConcurrency bounds parallel box-score fetches within one date
	BoxScoreConcurrency int
	// MaxAttempts is the number of box-score rounds after which a partial date is marked failed
	MaxAttempts int
	// StaleAfter reclaims processing rows idle for longer; zero disables it
	StaleAfter time.Duration
	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// Processor drives dates through the ledger
type Processor struct {
	fetcher *Fetcher
	ledger  Ledger
	writer  RawWriter
	opts    Options
}

// NewProcessor creates a Processor
func NewProcessor(fetcher *Fetcher, ledger Ledger, writer RawWriter, opts Options) *Processor {
	if opts.BoxScoreConcurrency < 1 {
		opts.BoxScoreConcurrency = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		fetcher: fetcher,
		ledger:  ledger,
		writer:  writer,
		opts:    opts,
	}
}

// DateResult describes what happened to one date
type DateResult struct {
	Date     time.Time
	Status   string // resulting ledger status, empty when the date was not claimed
	Attempts int
	Games    int
	Fetched  int
	Failed   []string
}

// Summary tallies one ProcessPending run
type Summary struct {
	Processed int
	NoGames   int
	Failed    int
	Retry     int
	Skipped   int
	Errors    []error
}

// Total is the number of dates looked at
func (s Summary) Total() int {
	return s.Processed + s.NoGames + s.Failed + s.Retry + s.Skipped
}

// ProcessDate claims date, fetches its games and box scores and resolves its status.
// A games failure hands the date back as pending and is returned as an error.
func (p *Processor) ProcessDate(ctx context.Context, date time.Time) (DateResult, error) {
	date = models.TruncateDay(date)
	result := DateResult{Date: date}
	logger := log.With().Str("date", date.Format(models.DateLayout)).Logger()

	attempts, ok, err := p.ledger.Claim(ctx, date)
	if err != nil {
		return result, err
	}
	if !ok {
		logger.Info().Msg("Date not pending anymore, skipping")
		return result, nil
	}
	result.Attempts = attempts

	games, err := p.fetcher.FetchGames(ctx, date, date)
	if err != nil {
		return p.release(ctx, result, fmt.Errorf("failed to fetch games: %w", err), false)
	}

	ids := games.DistinctValues(models.DataSetLeagueGameFinderResults, GameIDColumn)
	result.Games = len(ids)

	if len(ids) == 0 {
		logger.Info().Msg("No games on date")
		return p.complete(ctx, result, models.StatusNoGames, "")
	}

	existing, err := p.writer.ExistingValues(ctx, BoxScoreTable, GameIDColumn, ids)
	if err != nil {
		return p.release(ctx, result, fmt.Errorf("failed to read stored box scores: %w", err), false)
	}
	todo := MissingGameIDs(ids, existing)

	logger.Info().
		Int("games", len(ids)).
		Int("already_stored", len(ids)-len(todo)).
		Int("attempt", attempts).
		Msg("Fetching box scores")

	fetched, failed := p.fetchEach(ctx, todo, p.boxScoreJob())
	result.Fetched = fetched
	result.Failed = failed

	if len(failed) == 0 {
		return p.complete(ctx, result, models.StatusProcessed, "")
	}

	msg := fmt.Sprintf("box score failed for %d of %d games: %s", len(failed), len(ids), strings.Join(failed, ","))
	if attempts >= p.opts.MaxAttempts && ctx.Err() == nil {
		logger.Error().Strs("game_ids", failed).Int("attempts", attempts).Msg("Giving up on date")
		return p.complete(ctx, result, models.StatusFailed, msg)
	}

	logger.Warn().Strs("game_ids", failed).Int("attempts", attempts).Msg("Date partially fetched, will retry")
	// an interrupted round does not count against the date
	result, err = p.release(ctx, result, errors.New(msg), ctx.Err() == nil)
	// a partial date is an expected outcome, not a run error
	var relErr *releaseError
	if errors.As(err, &relErr) && !relErr.ledger {
		return result, nil
	}
	return result, err
}

// ProcessPending processes every pending date oldest first.
// One date failing never stops the run; cancellation is honored between dates.
func (p *Processor) ProcessPending(ctx context.Context) (Summary, error) {
	start := time.Now()
	var summary Summary

	if p.opts.StaleAfter > 0 {
		cutoff := p.opts.Now().Add(-p.opts.StaleAfter)
		n, err := p.ledger.ReclaimStale(ctx, cutoff)
		if err != nil {
			return summary, err
		}
		if n > 0 {
			log.Warn().Int64("dates", n).Time("cutoff", cutoff).Msg("Reclaimed stale date claims")
		}
	}

	dates, err := p.ledger.PendingDates(ctx)
	if err != nil {
		metrics.RecordRun("process", "error", time.Since(start).Seconds())
		return summary, err
	}
	log.Info().Int("pending", len(dates)).Msg("Processing pending dates")

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			log.Warn().Int("remaining", len(dates)-summary.Total()).Msg("Run cancelled between dates")
			metrics.RecordRun("process", "cancelled", time.Since(start).Seconds())
			return summary, err
		}

		result, err := p.ProcessDate(ctx, date)
		if err != nil {
			log.Error().Err(err).Str("date", date.Format(models.DateLayout)).Msg("Failed to process date")
			metrics.RecordError("processor", "date")
			summary.Errors = append(summary.Errors, fmt.Errorf("%s: %w", date.Format(models.DateLayout), err))
		}

		switch result.Status {
		case models.StatusProcessed:
			summary.Processed++
		case models.StatusNoGames:
			summary.NoGames++
		case models.StatusFailed:
			summary.Failed++
		case models.StatusPending:
			summary.Retry++
		default:
			summary.Skipped++
		}
	}

	status := "success"
	if len(summary.Errors) > 0 {
		status = "partial"
	}
	metrics.RecordRun("process", status, time.Since(start).Seconds())

	log.Info().
		Int("processed", summary.Processed).
		Int("no_games", summary.NoGames).
		Int("failed", summary.Failed).
		Int("retry", summary.Retry).
		Int("skipped", summary.Skipped).
		Dur("duration", time.Since(start)).
		Msg("Finished processing pending dates")

	return summary, nil
}

// TrackDates registers the last n days before today as pending
func (p *Processor) TrackDates(ctx context.Context, lastNDays int) (int64, error) {
	if lastNDays < 1 {
		return 0, fmt.Errorf("last n days must be at least 1, got %d", lastNDays)
	}
	today := models.TruncateDay(p.opts.Now())
	return p.TrackRange(ctx, today.AddDate(0, 0, -lastNDays), today.AddDate(0, 0, -1))
}

// TrackRange registers every date in [from, to] as pending; known dates keep their status
func (p *Processor) TrackRange(ctx context.Context, from, to time.Time) (int64, error) {
	start := time.Now()
	from, to = models.TruncateDay(from), models.TruncateDay(to)

	added, err := p.ledger.PopulatePending(ctx, from, to)
	if err != nil {
		metrics.RecordRun("track", "error", time.Since(start).Seconds())
		return 0, err
	}

	pending, err := p.ledger.PendingDates(ctx)
	if err != nil {
		metrics.RecordRun("track", "error", time.Since(start).Seconds())
		return added, err
	}
	metrics.RecordRun("track", "success", time.Since(start).Seconds())

	log.Info().
		Str("from", from.Format(models.DateLayout)).
		Str("to", to.Format(models.DateLayout)).
		Int64("added", added).
		Int("pending", len(pending)).
		Msg("Populated pending dates")

	return added, nil
}

// BackfillResult tallies a backfill run
type BackfillResult struct {
	Missing int
	Fetched int
	Failed  []string
}

// BackfillBoxScores fetches box scores for every stored game that has none
func (p *Processor) BackfillBoxScores(ctx context.Context) (BackfillResult, error) {
	return p.backfill(ctx, "backfill", BoxScoreTable, p.boxScoreJob())
}

// BackfillSummaries fetches box score summaries for every stored game that has none
func (p *Processor) BackfillSummaries(ctx context.Context) (BackfillResult, error) {
	return p.backfill(ctx, "backfill_summaries", SummaryTable, p.summaryJob())
}

// backfill runs job for every game id in the games table that is absent from table
func (p *Processor) backfill(ctx context.Context, runType, table string, job gameJob) (BackfillResult, error) {
	start := time.Now()
	var result BackfillResult

	all, err := p.writer.DistinctValues(ctx, GamesTable, GameIDColumn)
	if err != nil {
		return result, err
	}
	have, err := p.writer.DistinctValues(ctx, table, GameIDColumn)
	if err != nil {
		return result, err
	}

	missing := MissingGameIDs(all, have)
	result.Missing = len(missing)
	log.Info().
		Str("endpoint", job.endpoint).
		Int("games", len(all)).
		Int("missing", len(missing)).
		Msg("Backfilling games")

	result.Fetched, result.Failed = p.fetchEach(ctx, missing, job)

	status := "success"
	if len(result.Failed) > 0 {
		status = "partial"
	}
	metrics.RecordRun(runType, status, time.Since(start).Seconds())

	return result, ctx.Err()
}

// MissingGameIDs returns the ids in all that are not in have, sorted and deduplicated
func MissingGameIDs(all, have []string) []string {
	stored := make(map[string]struct{}, len(have))
	for _, id := range have {
		stored[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(all))
	missing := []string{}
	for _, id := range all {
		if _, ok := stored[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	sort.Strings(missing)
	return missing
}

// gameJob is one per-game upstream call: fetch, then write, then one audit entry
type gameJob struct {
	endpoint string
	fetch    func(ctx context.Context, gameID string) (*models.Response, error)
	record   func(status string)
}

func (p *Processor) boxScoreJob() gameJob {
	return gameJob{
		endpoint: models.EndpointBoxScoreTraditionalV2,
		fetch:    p.fetcher.FetchBoxScore,
		record:   metrics.RecordBoxScore,
	}
}

func (p *Processor) summaryJob() gameJob {
	return gameJob{
		endpoint: models.EndpointBoxScoreSummaryV2,
		fetch:    p.fetcher.FetchSummary,
		record:   metrics.RecordSummary,
	}
}

// fetchEach runs job for every id with bounded concurrency; failures are skipped and returned sorted
func (p *Processor) fetchEach(ctx context.Context, ids []string, job gameJob) (int, []string) {
	var (
		mu      sync.Mutex
		fetched int
		failed  []string
	)

	wp := pool.New().WithMaxGoroutines(p.opts.BoxScoreConcurrency)
	for _, id := range ids {
		id := id // per-iteration copy; go directive is below 1.22
		wp.Go(func() {
			err := p.fetchOne(ctx, id, job)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, id)
				return
			}
			fetched++
		})
	}
	wp.Wait()

	sort.Strings(failed)
	return fetched, failed
}

// fetchOne handles one game id: one audit entry per call, success or not
func (p *Processor) fetchOne(ctx context.Context, gameID string, job gameJob) error {
	logger := log.With().Str("game_id", gameID).Str("endpoint", job.endpoint).Logger()

	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := job.fetch(ctx, gameID)
	if err == nil {
		if werr := p.writer.UpsertResponse(ctx, resp); werr != nil {
			err = fmt.Errorf("failed to store %s: %w", job.endpoint, werr)
		}
	}

	if logErr := p.fetcher.LogCall(ctx, job.endpoint, err); logErr != nil {
		logger.Error().Err(logErr).Msg("Failed to record call")
		if err == nil {
			err = logErr
		}
	}

	if err != nil {
		logger.Error().Err(err).Msg("Error fetching game data")
		job.record("failed")
		return err
	}

	job.record("fetched")
	logger.Debug().Int("records", resp.RecordCount()).Msg("Stored game data")
	return nil
}

// releaseError marks a date handed back to the queue; ledger is set when the hand-back itself failed
type releaseError struct {
	cause  error
	ledger bool
}

func (e *releaseError) Error() string { return e.cause.Error() }
func (e *releaseError) Unwrap() error { return e.cause }

// release hands the date back; countAttempt is false when no box-score round was spent on it
func (p *Processor) release(ctx context.Context, result DateResult, cause error, countAttempt bool) (DateResult, error) {
	lctx, cancel := ledgerContext(ctx)
	defer cancel()

	handBack := p.ledger.Unclaim
	if countAttempt {
		handBack = p.ledger.Release
	} else if result.Attempts > 0 {
		result.Attempts--
	}
	if err := handBack(lctx, result.Date, cause.Error()); err != nil {
		return result, &releaseError{cause: errors.Join(cause, err), ledger: true}
	}
	result.Status = models.StatusPending
	return result, &releaseError{cause: cause}
}

func (p *Processor) complete(ctx context.Context, result DateResult, status, msg string) (DateResult, error) {
	lctx, cancel := ledgerContext(ctx)
	defer cancel()

	if err := p.ledger.Complete(lctx, result.Date, status, msg); err != nil {
		return result, err
	}
	result.Status = status

	log.Info().
		Str("date", result.Date.Format(models.DateLayout)).
		Str("status", status).
		Int("games", result.Games).
		Int("fetched", result.Fetched).
		Msg("Updated date status")

	return result, nil
}

// ledgerContext outlives cancellation so a claimed date is never left in processing
func ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
