package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"basnya/ingestion/internal/config"
	"basnya/ingestion/internal/ingest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu        sync.Mutex
	order     []string
	lastNDays int
}

func (f *fakeJobs) TrackDates(ctx context.Context, lastNDays int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "track")
	f.lastNDays = lastNDays
	return 3, nil
}

func (f *fakeJobs) ProcessPending(ctx context.Context) (ingest.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "process")
	return ingest.Summary{Processed: 3}, nil
}

func (f *fakeJobs) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func testConfig() *config.Config {
	return &config.Config{
		TrackDatesCron:     "25 8 * * *",
		ProcessPendingCron: "25 9 * * *",
		LastNDays:          3,
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	cfg := testConfig()
	cfg.RunOnStart = true
	jobs := &fakeJobs{}

	s := NewScheduler(cfg, jobs)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return len(jobs.calls()) == 2 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	assert.Equal(t, []string{"track", "process"}, jobs.calls(), "Tracking runs before processing")
	assert.Equal(t, 3, jobs.lastNDays)
}

func TestScheduler_SchedulesBothJobs(t *testing.T) {
	jobs := &fakeJobs{}
	s := NewScheduler(testConfig(), jobs)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	next := s.Entries()
	require.Len(t, next, 2)
	for _, n := range next {
		assert.Equal(t, 25, n.Minute())
	}
	assert.Empty(t, jobs.calls(), "Nothing runs before its schedule")
}

func TestScheduler_InvalidCron(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessPendingCron = "not a cron"

	s := NewScheduler(cfg, &fakeJobs{})
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending date processing")
}

func TestScheduler_EveryTick(t *testing.T) {
	cfg := testConfig()
	cfg.TrackDatesCron = "@every 1s"
	jobs := &fakeJobs{}

	s := NewScheduler(cfg, jobs)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return len(jobs.calls()) >= 1 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "track", jobs.calls()[0])
}
