package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"basnya/ingestion/internal/cache"
	"basnya/ingestion/internal/client"
	"basnya/ingestion/internal/config"
	"basnya/ingestion/internal/ingest"
	"basnya/ingestion/internal/metrics"
	"basnya/ingestion/internal/proxylist"
	"basnya/ingestion/internal/repository"
	"basnya/ingestion/internal/tunnel"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// app holds the long-lived collaborators of one command invocation
type app struct {
	cfg       *config.Config
	tunnel    *tunnel.Tunnel
	db        *repository.Database
	cache     *cache.RedisCache
	client    *client.Client
	fetcher   *ingest.Fetcher
	processor *ingest.Processor
}

// newApp connects to the database (through the SSH tunnel when enabled), applies the
// schema and wires the fetcher and processor
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	dbConfig := repository.Config{
		Host:     cfg.DatabaseHost,
		Port:     strconv.Itoa(cfg.DatabasePort),
		User:     cfg.DatabaseUser,
		Password: cfg.DatabasePassword,
		Database: cfg.DatabaseName,
		SSLMode:  cfg.DatabaseSSLMode,
		MaxConns: int32(cfg.BoxScoreConcurrency + 4),
	}

	if cfg.SSHTunnelEnabled {
		t, err := tunnel.Open(tunnel.Config{
			Addr:           cfg.SSHAddr(),
			User:           cfg.SSHUser,
			Password:       cfg.SSHPassword,
			KnownHostsFile: cfg.SSHKnownHosts,
			Timeout:        cfg.SSHTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.tunnel = t
		dbConfig.DialFunc = t.DialContext
		dbConfig.LookupFunc = tunnel.LookupPassthrough
	}

	db, err := repository.NewDatabase(ctx, dbConfig)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = db

	if err := db.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	proxies, err := loadProxies(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts := client.Options{
		Timeout:     cfg.StatsTimeout,
		MaxRetries:  cfg.HTTPRetries,
		Concurrency: cfg.BoxScoreConcurrency,
	}
	if proxies.Len() > 0 {
		opts.Proxy = proxies.Proxy
		log.Info().Int("proxies", proxies.Len()).Msg("Routing stats requests through proxies")
	}
	a.client = client.NewClient(cfg.StatsBaseURL, opts)

	// A nil *RedisCache must not end up inside the interface
	var responseCache ingest.ResponseCache
	if cfg.CacheEnabled {
		rc, err := cache.NewRedisCache(cache.Config{
			Host:     cfg.RedisHost,
			Port:     strconv.Itoa(cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to Redis - continuing without cache")
		} else {
			a.cache = rc
			responseCache = rc
			log.Info().Str("addr", cfg.RedisAddr()).Dur("ttl", cfg.CacheTTL).Msg("Redis cache connected")
		}
	}

	a.fetcher = ingest.NewFetcher(a.client, db.RawData, db.APICallLogs, responseCache, ingest.RetryPolicy{
		Attempts: cfg.FetchRetries,
		Delay:    cfg.FetchRetryDelay,
	})
	a.processor = ingest.NewProcessor(a.fetcher, db.ProcessingStatus, db.RawData, ingest.Options{
		BoxScoreConcurrency: cfg.BoxScoreConcurrency,
		MaxAttempts:         cfg.MaxDateAttempts,
		StaleAfter:          cfg.StaleClaimAfter,
	})

	return a, nil
}

// Close releases everything newApp acquired, in reverse order
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis connection")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.tunnel != nil {
		if err := a.tunnel.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close SSH tunnel")
		}
	}
}

// withApp loads configuration, builds the app and tears it down after fn
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func loadProxies(cfg *config.Config) (*proxylist.List, error) {
	switch {
	case cfg.ProxyListFile != "":
		return proxylist.Load(cfg.ProxyListFile)
	case cfg.ProxyList != "":
		return proxylist.Parse([]byte(cfg.ProxyList))
	default:
		return proxylist.New(nil)
	}
}

// startMetricsServer serves /metrics and /health until ctx is done
func startMetricsServer(ctx context.Context, port int, db *repository.Database) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := map[string]interface{}{"status": "healthy", "database": db.PoolStats()}
		if err := db.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
		_ = sonic.ConfigDefault.NewEncoder(w).Encode(body)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", port).Msg("Starting metrics server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}

// trackUptime updates the uptime and pool gauges until ctx is done
func trackUptime(ctx context.Context, db *repository.Database) {
	startTime := time.Now()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.SystemUptime.Set(time.Since(startTime).Seconds())
			db.PoolStats()
		case <-ctx.Done():
			return
		}
	}
}
