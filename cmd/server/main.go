package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"golang.org/x/sync/errgroup"

	"github.com/eyevinn-osaas/web-video-review/internal/analysis"
	apihttp "github.com/eyevinn-osaas/web-video-review/internal/api/http"
	"github.com/eyevinn-osaas/web-video-review/internal/app"
	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/hls"
	"github.com/eyevinn-osaas/web-video-review/internal/metrics"
	"github.com/eyevinn-osaas/web-video-review/internal/objectstore"
	"github.com/eyevinn-osaas/web-video-review/internal/probe"
	memoryrepo "github.com/eyevinn-osaas/web-video-review/internal/repository/memory"
	mongorepo "github.com/eyevinn-osaas/web-video-review/internal/repository/mongo"
	"github.com/eyevinn-osaas/web-video-review/internal/sourcecache"
	"github.com/eyevinn-osaas/web-video-review/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "web-video-review")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "web-video-review"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("s3Endpoint", cfg.S3Endpoint),
		slog.String("s3Bucket", cfg.S3Bucket),
		slog.String("cacheDir", cfg.CacheDir),
		slog.Bool("localCache", cfg.LocalCacheEnabled),
		slog.Int("segmentDuration", cfg.SegmentDuration),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	store, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		logger.Error("object store init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cache, err := sourcecache.New(sourcecache.Config{
		Dir:      cfg.CacheDir,
		MaxBytes: cfg.CacheMaxBytes,
		Enabled:  cfg.LocalCacheEnabled,
	}, store, logger)
	if err != nil {
		logger.Error("source cache init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Resolve a key to ffmpeg input: the local copy when one is on disk,
	// else a head-checked presigned URL.
	sourceFn := app.SourceResolver(cache, store)

	prober := probe.New(cfg.FFProbePath, sourceFn)
	cache.SetBitrateHint(prober.Bitrate)

	manager := hls.NewManager(hls.Config{
		FFmpegPath:      cfg.FFMPEGPath,
		CacheDir:        cfg.CacheDir,
		VideoEncoder:    cfg.VideoEncoder,
		SegmentDuration: cfg.SegmentDuration,
	}, cache, prober, store, logger)
	cache.SetPinned(manager.IsActive)

	analyzer := analysis.New(cfg.FFMPEGPath, sourceFn, prober, logger)
	manager.SetOnEvict(func(key domain.AssetKey) {
		analyzer.Invalidate(key)
	})

	var settingsStore app.ReviewSettingsStore
	var historyStore apihttp.HistoryStore
	var disconnectMongo func()
	if cfg.MongoURI != "" {
		monitor := otelmongo.NewMonitor()
		mongoClient, err := mongorepo.Connect(initCtx, cfg.MongoURI, options.Client().SetMonitor(monitor))
		if err != nil {
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := mongoClient.Ping(initCtx, readpref.Primary()); err != nil {
			logger.Error("mongo ping failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := mongorepo.EnsureIndexes(initCtx, mongoClient, cfg.MongoDatabase); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		settingsStore = mongorepo.NewReviewSettingsRepository(mongoClient, cfg.MongoDatabase)
		historyStore = mongorepo.NewHistoryRepository(mongoClient, cfg.MongoDatabase)
		disconnectMongo = func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
			}
		}
	} else {
		logger.Info("no MONGO_URI configured, using in-memory persistence")
		settingsStore = memoryrepo.NewReviewSettingsRepository()
		historyStore = memoryrepo.NewHistoryRepository()
	}

	settings := app.NewReviewSettingsManager(manager, settingsStore)
	if err := settings.Restore(initCtx); err != nil {
		logger.Warn("review settings load failed", slog.String("error", err.Error()))
	}

	server := apihttp.NewServer(manager,
		apihttp.WithLogger(logger),
		apihttp.WithProbe(prober),
		apihttp.WithAnalyzer(analyzer),
		apihttp.WithHistory(historyStore),
		apihttp.WithReviewSettings(settings),
		apihttp.WithCacheStats(cache),
		apihttp.WithAllowedOrigins(splitOrigins(cfg.CORSAllowedOrigins)),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("server started", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		pushProgress(gctx, server, cache)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		server.Close()
		manager.AbortAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if disconnectMongo != nil {
		disconnectMongo()
	}
	logger.Info("server stopped")
}

// pushProgress drives the WebSocket progress feed and keeps the cache
// size gauge current.
func pushProgress(ctx context.Context, server *apihttp.Server, cache *sourcecache.Cache) {
	progressTicker := time.NewTicker(2 * time.Second)
	gaugeTicker := time.NewTicker(5 * time.Second)
	defer progressTicker.Stop()
	defer gaugeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-progressTicker.C:
			server.BroadcastProgress()
		case <-gaugeTicker.C:
			metrics.SourceCacheSizeBytes.Set(float64(cache.TotalBytes()))
		}
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
