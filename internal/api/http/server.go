// Package apihttp exposes the review service over HTTP: playback
// endpoints backed by the live transcoder, analysis endpoints, settings,
// history and health.
package apihttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eyevinn-osaas/web-video-review/internal/analysis"
	"github.com/eyevinn-osaas/web-video-review/internal/app"
	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/hls"
)

// Transcoder is the slice of the HLS manager the handlers use.
type Transcoder interface {
	Load(key domain.AssetKey)
	LoadedKey() domain.AssetKey
	EnsureSession(ctx context.Context, key domain.AssetKey, opts hls.Options) (*hls.Session, error)
	Session(key domain.AssetKey) *hls.Session
	Abort(key domain.AssetKey)
	AbortAll() int
	Progress(key domain.AssetKey) domain.LoadProgress
	Health() hls.HealthSnapshot
	DefaultSegmentDuration() int
	DefaultGoniometer() bool
	ClipMP4(ctx context.Context, key domain.AssetKey, start, duration float64, w io.Writer) error
}

type MediaProbe interface {
	Probe(ctx context.Context, key domain.AssetKey) (domain.ProbeRecord, error)
}

type AudioAnalyzer interface {
	Waveform(ctx context.Context, key domain.AssetKey, buckets int) (analysis.Waveform, error)
	Loudness(ctx context.Context, key domain.AssetKey, start, duration float64) (analysis.Loudness, error)
}

type HistoryStore interface {
	Upsert(ctx context.Context, entry domain.ReviewEntry) error
	ListRecent(ctx context.Context, limit int) ([]domain.ReviewEntry, error)
}

type ReviewSettingsController interface {
	Get() app.ReviewSettings
	Update(settings app.ReviewSettings) error
}

// CacheStats is the slice of the source cache /healthz reports on.
type CacheStats interface {
	Enabled() bool
	TotalBytes() int64
}

type Server struct {
	transcoder     Transcoder
	probe          MediaProbe
	analyzer       AudioAnalyzer
	history        HistoryStore
	settings       ReviewSettingsController
	cacheStats     CacheStats
	allowedOrigins []string
	rateLimitRPS   float64
	rateLimitBurst int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
	startedAt      time.Time
}

type ServerOption func(*Server)

func WithProbe(probe MediaProbe) ServerOption {
	return func(s *Server) { s.probe = probe }
}

func WithAnalyzer(analyzer AudioAnalyzer) ServerOption {
	return func(s *Server) { s.analyzer = analyzer }
}

func WithHistory(store HistoryStore) ServerOption {
	return func(s *Server) { s.history = store }
}

func WithReviewSettings(ctrl ReviewSettingsController) ServerOption {
	return func(s *Server) { s.settings = ctrl }
}

func WithCacheStats(stats CacheStats) ServerOption {
	return func(s *Server) { s.cacheStats = stats }
}

// WithAllowedOrigins configures the CORS origin whitelist. Empty or "*"
// permits any origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimitRPS = rps
		s.rateLimitBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func NewServer(transcoder Transcoder, opts ...ServerOption) *Server {
	s := &Server{
		transcoder:     transcoder,
		rateLimitRPS:   200,
		rateLimitBurst: 400,
		startedAt:      time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)
	r.Get("/settings/review", s.handleGetReviewSettings)
	r.Put("/settings/review", s.handleUpdateReviewSettings)
	r.Get("/history", s.handleHistory)
	r.Post("/video/abort-all", s.handleAbortAll)
	r.Get("/video/*", s.handleVideoGet)
	r.Post("/video/*", s.handleVideoPost)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, r), "web-video-review",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz" && !isNoisyPath(p)
		}),
	)
	s.handler = recoveryMiddleware(s.logger,
		rateLimitMiddleware(s.rateLimitRPS, s.rateLimitBurst,
			metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastProgress pushes the loaded asset's progress to all WebSocket
// clients. No-op while nothing is loaded.
func (s *Server) BroadcastProgress() {
	key := s.transcoder.LoadedKey()
	if key == "" {
		return
	}
	type progressEvent struct {
		Key string `json:"key"`
		domain.LoadProgress
	}
	s.wsHub.Broadcast("progress", progressEvent{
		Key:          string(key),
		LoadProgress: s.transcoder.Progress(key),
	})
}

// handleVideoGet dispatches GET /video/{key}/{action}. The key may contain
// slashes, so the action is the last path segment.
func (s *Server) handleVideoGet(w http.ResponseWriter, r *http.Request) {
	key, action, ok := splitVideoPath(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected /video/{key}/{action}")
		return
	}

	switch {
	case action == "info":
		s.handleInfo(w, r, key)
	case action == "playlist.m3u8":
		s.handlePlaylist(w, r, key)
	case strings.HasSuffix(action, ".ts"):
		s.handleSegment(w, r, key, action)
	case strings.HasSuffix(action, ".jpg"):
		s.handleThumb(w, r, key, action)
	case action == "thumbnails":
		s.handleThumbnails(w, r, key)
	case action == "waveform":
		s.handleWaveform(w, r, key)
	case action == "ebu-r128":
		s.handleLoudness(w, r, key)
	case action == "progress":
		s.handleProgress(w, r, key)
	case action == "stream":
		s.handleStream(w, r, key)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleVideoPost(w http.ResponseWriter, r *http.Request) {
	key, action, ok := splitVideoPath(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected /video/{key}/{action}")
		return
	}
	switch action {
	case "abort":
		s.handleAbort(w, r, key)
	default:
		http.NotFound(w, r)
	}
}
