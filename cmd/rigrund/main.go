// Command rigrund is the router's daemon entrypoint: it wires the
// Cache, Local, and Cloud tiers behind the Router, the Session Manager,
// stats/audit bookkeeping, and the HTTP surface, then serves until
// interrupted. Grounded on the teacher's cmd/main.go wiring and
// graceful-shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rigrun/rigrun/audit"
	"github.com/rigrun/rigrun/cache"
	"github.com/rigrun/rigrun/config"
	"github.com/rigrun/rigrun/monitoring"
	"github.com/rigrun/rigrun/providers/cloud"
	"github.com/rigrun/rigrun/providers/local"
	"github.com/rigrun/rigrun/routing"
	"github.com/rigrun/rigrun/server"
	"github.com/rigrun/rigrun/session"
	"github.com/rigrun/rigrun/stats"
	"github.com/rigrun/rigrun/types"
)

// fanoutRecorder fans every routing.Recorder callback out to the stats
// tracker, the audit logger, and the Prometheus recorder, since
// routing.Router accepts only a single Recorder but this daemon wants
// all three side effects recorded.
type fanoutRecorder struct {
	tracker *stats.Tracker
	logger  *audit.Logger
	metrics monitoring.Recorder
}

func (f fanoutRecorder) RecordSuccess(tier types.Tier, q types.Query, resp types.Response, blocked bool) {
	f.tracker.RecordSuccess(tier, q, resp, blocked)
	f.logger.RecordSuccess(tier, q, resp, blocked)
	f.metrics.RecordSuccess(tier, q, resp, blocked)
}

func (f fanoutRecorder) RecordBlocked(tier types.Tier, q types.Query) {
	f.tracker.RecordBlocked(tier, q)
	f.logger.RecordBlocked(tier, q)
	f.metrics.RecordBlocked(tier, q)
}

// runSessionCleanupLoop periodically sweeps expired sessions from the
// Session Manager so the in-memory session map doesn't grow unbounded
// across a long-running daemon's lifetime, and refreshes the
// active-sessions gauge alongside the sweep.
func runSessionCleanupLoop(m *session.Manager, done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
			monitoring.ActiveSessions.Set(float64(m.ActiveSessionCount()))
		case <-done:
			return
		}
	}
}

// runCacheStatsLoop periodically refreshes the cache-hit-ratio gauge
// from the response cache's running totals.
func runCacheStatsLoop(c *cache.Cache, done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := c.Stats()
			total := s.HitCount + s.MissCount
			if total > 0 {
				monitoring.CacheHitRatio.Set(float64(s.HitCount) / float64(total))
			}
		case <-done:
			return
		}
	}
}

func main() {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	sugar := zapLogger.Sugar()

	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("failed to load config", "error", err)
	}
	sugar.Infow("loaded config", "port", cfg.Port, "mode", cfg.Mode, "ollama_endpoint", cfg.OllamaEndpoint)

	cacheMode := cfg.CacheMode()
	responseCache := cache.New(cache.Config{
		MaxEntries: int64(cfg.CacheMaxEntries),
		MaxBytes:   cfg.CacheMaxBytes,
		Mode:       cacheMode,
	}, sugar)
	if cacheMode != cache.BackendMemory {
		if cfg.RedisAddr == "" {
			sugar.Fatalw("cache_backend requires redis_addr", "cache_backend", cfg.CacheBackendMode)
		}
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		responseCache.SetMirror(cache.NewRedisMirror(redisClient))
		sugar.Infow("cache backend mirrors to redis", "mode", cacheMode, "addr", cfg.RedisAddr)
	}
	if cfg.CachePersistPath != "" {
		if err := responseCache.LoadFromDisk(cfg.CachePersistPath); err != nil {
			sugar.Warnw("failed to load cache from disk", "error", err)
		}
	}

	localDriver, err := local.NewDriver(cfg.LocalDriverConfig(), nil)
	if err != nil {
		sugar.Fatalw("failed to build local driver", "error", err)
	}
	localAdapter := local.New(localDriver, local.DefaultTimeouts())
	cloudAdapter := cloud.New(cloud.Config{APIKey: cfg.OpenRouterApiKey})

	statsTracker := stats.NewTracker()
	if cfg.StatsPersistPath != "" {
		if err := statsTracker.LoadFromDisk(cfg.StatsPersistPath); err != nil {
			sugar.Warnw("failed to load stats from disk", "error", err)
		}
	}

	auditLogger := audit.NewLogger(cfg.AuditLogPath, cfg.AuditEnabled)
	recorder := fanoutRecorder{tracker: statsTracker, logger: auditLogger, metrics: monitoring.Recorder{}}

	router := routing.New(responseCache, localAdapter, cloudAdapter, routing.Config{
		Mode:         cfg.Mode,
		CacheTTL:     cfg.CacheTTLDuration(),
		AliasSharing: cache.AliasSharingDisabled,
	}, recorder, sugar)

	sessionManager := session.NewManager(cfg.SessionConfig(), sugar, auditLogger)
	sessionCleanupDone := make(chan struct{})
	go runSessionCleanupLoop(sessionManager, sessionCleanupDone)
	defer close(sessionCleanupDone)

	cacheStatsDone := make(chan struct{})
	go runCacheStatsLoop(responseCache, cacheStatsDone)
	defer close(cacheStatsDone)

	httpSrv := server.New(server.Config{
		MaxBodyBytes:   1 << 20,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, router, localAdapter, cloudAdapter, responseCache, statsTracker, sessionManager, sugar)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: httpSrv}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("shutting down")

		if cfg.CachePersistPath != "" {
			if err := responseCache.FlushToDisk(cfg.CachePersistPath); err != nil {
				sugar.Warnw("failed to flush cache to disk", "error", err)
			}
		}
		if cfg.StatsPersistPath != "" {
			if err := statsTracker.FlushToDisk(cfg.StatsPersistPath); err != nil {
				sugar.Warnw("failed to flush stats to disk", "error", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Errorw("server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("starting server", "address", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("failed to start server", "error", err)
	}
	sugar.Infow("server exited gracefully")
}
