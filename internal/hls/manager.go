package hls

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/metrics"
	"github.com/eyevinn-osaas/web-video-review/internal/sourcecache"
)

// SourceCache is the slice of the sourcecache API the pipeline needs.
type SourceCache interface {
	Enabled() bool
	Ensure(ctx context.Context, key domain.AssetKey, needSecs *float64) (string, error)
	Entry(key domain.AssetKey) (path string, partial bool, ok bool)
	Progress(key domain.AssetKey) sourcecache.Progress
	Abort(key domain.AssetKey)
	AbortAll()
}

// MediaProber supplies stream metadata for args construction.
type MediaProber interface {
	Probe(ctx context.Context, key domain.AssetKey) (domain.ProbeRecord, error)
}

// Signer issues presigned GET URLs for direct remote input.
type Signer interface {
	PresignGet(key domain.AssetKey, expiry time.Duration) (string, error)
}

type Config struct {
	FFmpegPath      string
	CacheDir        string
	VideoEncoder    string
	SegmentDuration int
	MinSegments     int
	ReadyTimeout    time.Duration
	SessionTTL      time.Duration
}

const (
	defaultSegmentDuration = 10
	defaultSessionTTL      = time.Hour
	abortGrace             = 2 * time.Second
	workdirRemoveDelay     = 5 * time.Second
)

type Manager struct {
	ffmpegPath   string
	baseDir      string
	videoEncoder string
	minSegments  int
	readyTimeout time.Duration
	sessionTTL   time.Duration

	source  SourceCache
	prober  MediaProber
	signer  Signer
	logger  *slog.Logger
	onEvict func(domain.AssetKey)

	mu              sync.Mutex
	segmentDuration int
	goniometer      bool
	sessions        map[domain.AssetKey]*Session
	loadedKey       domain.AssetKey
	totalStarts     uint64
	totalFailures   uint64
	lastStartedAt   time.Time
	lastReadyAt     time.Time
	lastError       string
	lastErrorAt     time.Time
}

// HealthSnapshot is the transcoder section of /healthz.
type HealthSnapshot struct {
	LoadedKey      string     `json:"loadedKey,omitempty"`
	ActiveSessions int        `json:"activeSessions"`
	TotalStarts    uint64     `json:"totalStarts"`
	TotalFailures  uint64     `json:"totalFailures"`
	LastStartedAt  *time.Time `json:"lastStartedAt,omitempty"`
	LastReadyAt    *time.Time `json:"lastReadyAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastErrorAt    *time.Time `json:"lastErrorAt,omitempty"`
}

func NewManager(cfg Config, source SourceCache, prober MediaProber, signer Signer, logger *slog.Logger) *Manager {
	ffmpegPath := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	baseDir := filepath.Join(filepath.Clean(cfg.CacheDir), "live-hls")
	segDur := cfg.SegmentDuration
	if segDur <= 0 {
		segDur = defaultSegmentDuration
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	minSegments := cfg.MinSegments
	if minSegments <= 0 {
		minSegments = defaultMinSegments
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ffmpegPath:      ffmpegPath,
		baseDir:         baseDir,
		videoEncoder:    resolveEncoder(cfg.VideoEncoder),
		minSegments:     minSegments,
		readyTimeout:    readyTimeout,
		sessionTTL:      ttl,
		segmentDuration: segDur,
		source:          source,
		prober:          prober,
		signer:          signer,
		logger:          logger,
		sessions:        make(map[domain.AssetKey]*Session),
	}
}

// SetOnEvict wires the analysis-cache invalidation hook.
func (m *Manager) SetOnEvict(fn func(domain.AssetKey)) { m.onEvict = fn }

func (m *Manager) DefaultSegmentDuration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segmentDuration
}

func (m *Manager) SetDefaultSegmentDuration(seconds int) {
	if seconds <= 0 {
		return
	}
	m.mu.Lock()
	m.segmentDuration = seconds
	m.mu.Unlock()
}

func (m *Manager) DefaultGoniometer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.goniometer
}

func (m *Manager) SetDefaultGoniometer(enabled bool) {
	m.mu.Lock()
	m.goniometer = enabled
	m.mu.Unlock()
}

// IsActive reports whether key backs a live session. The source cache uses
// this as its eviction pin check.
func (m *Manager) IsActive(key domain.AssetKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[key]
	return ok || m.loadedKey == key
}

// Load commits the service to key. A different previous key has its
// session and download torn down; the same key with a dead child is
// evicted so the next playlist request restarts it.
func (m *Manager) Load(key domain.AssetKey) {
	m.mu.Lock()
	prev := m.loadedKey
	m.loadedKey = key
	var stale *Session
	if prev == key {
		if s := m.sessions[key]; s != nil && !s.Alive() && s.Failed() {
			stale = s
		}
	}
	m.mu.Unlock()

	if prev != "" && prev != key {
		m.logger.Info("switching loaded asset",
			slog.String("from", string(prev)),
			slog.String("to", string(key)),
		)
		m.Abort(prev)
		m.source.Abort(prev)
	}
	if stale != nil {
		m.evict(key, stale)
	}
}

// LoadedKey returns the currently committed asset key, empty when idle.
func (m *Manager) LoadedKey() domain.AssetKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadedKey
}

// Session returns the live session for key, nil when none exists.
func (m *Manager) Session(key domain.AssetKey) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

// EnsureSession returns the session for key, starting a transcode when
// none exists. A session whose options differ or whose child died is
// replaced.
func (m *Manager) EnsureSession(ctx context.Context, key domain.AssetKey, opts Options) (*Session, error) {
	opts = opts.normalized(m.DefaultSegmentDuration())

	m.mu.Lock()
	for {
		s := m.sessions[key]
		if s == nil {
			break
		}
		if s.Options == opts && !s.Failed() && !s.DeletePending() {
			m.mu.Unlock()
			s.startOnce.Do(func() { go m.run(s) })
			return s, nil
		}
		m.mu.Unlock()
		m.Abort(key)
		m.mu.Lock()
		// A concurrent request may have installed a replacement while the
		// lock was released; re-evaluate it instead of clobbering it.
		if m.sessions[key] == s {
			break
		}
	}

	dir := filepath.Join(m.baseDir, sanitizeKey(key))
	if err := os.RemoveAll(dir); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("hls: purge workdir: %w: %v", domain.ErrIO, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("hls: create workdir: %w: %v", domain.ErrIO, err)
	}
	s := newSession(key, dir, opts)
	m.sessions[key] = s
	m.totalStarts++
	m.lastStartedAt = time.Now().UTC()
	metrics.TranscodeStartsTotal.Inc()
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	s.startOnce.Do(func() { go m.run(s) })
	return s, nil
}

// Abort tears down the session for key: graceful child termination, then
// a deferred working-directory removal once file handles are released.
func (m *Manager) Abort(key domain.AssetKey) {
	m.mu.Lock()
	s := m.sessions[key]
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.evict(key, s)
}

// AbortAll tears down every session and download; returns how many
// sessions and download tasks were aborted.
func (m *Manager) AbortAll() int {
	m.mu.Lock()
	sessions := make(map[domain.AssetKey]*Session, len(m.sessions))
	for key, s := range m.sessions {
		sessions[key] = s
	}
	m.loadedKey = ""
	m.mu.Unlock()

	for key, s := range sessions {
		m.evict(key, s)
	}
	count := len(sessions)
	m.source.AbortAll()
	return count
}

func (m *Manager) evict(key domain.AssetKey, s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[key]; !ok || current != s {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	s.mu.Lock()
	if s.deletePending {
		s.mu.Unlock()
		return
	}
	s.deletePending = true
	s.mu.Unlock()

	s.cancel()
	s.signalReady()

	// The session stays registered so finished segments remain servable
	// while the child flushes and releases handles. Removal follows after
	// a grace period.
	time.AfterFunc(workdirRemoveDelay, func() { m.removeSession(key, s) })

	if m.onEvict != nil {
		m.onEvict(key)
	}
	m.logger.Info("session evicted", slog.String("key", string(key)))
}

// removeSession deregisters an evicted session and removes its working
// directory. A replacement session reuses the same directory, so both the
// deregistration and the removal happen under m.mu while the evicted
// session still owns the registry slot.
func (m *Manager) removeSession(key domain.AssetKey, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[key]; !ok || current != s {
		return
	}

	s.mu.Lock()
	running := s.running
	if running {
		// The child holds open handles; run picks the removal up on exit.
		s.removeOnExit = true
	}
	s.mu.Unlock()
	if running {
		m.logger.Warn("workdir removal deferred, child still alive",
			slog.String("key", string(key)),
		)
		return
	}

	delete(m.sessions, key)
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	if err := os.RemoveAll(s.Dir); err != nil {
		m.logger.Warn("workdir removal failed",
			slog.String("key", string(key)),
			slog.String("error", err.Error()),
		)
	}
}

// scheduleReclaim arms the idle-session reclaim timer. Sessions whose
// child has exited, cleanly or not, are torn down after the TTL so their
// working directories and registry slots do not accumulate.
func (m *Manager) scheduleReclaim(s *Session) {
	time.AfterFunc(m.sessionTTL, func() { m.evict(s.Key, s) })
}

func (m *Manager) recordFailure(phase string, err error) {
	m.mu.Lock()
	m.totalFailures++
	m.lastError = err.Error()
	m.lastErrorAt = time.Now().UTC()
	m.mu.Unlock()
	metrics.TranscodeFailuresTotal.WithLabelValues(phase).Inc()
}

func (m *Manager) recordReady(s *Session, waited time.Duration) {
	m.mu.Lock()
	m.lastReadyAt = time.Now().UTC()
	m.mu.Unlock()
	metrics.ReadinessWaitSeconds.Observe(waited.Seconds())
}

// Health reports transcoder counters for /healthz.
func (m *Manager) Health() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := HealthSnapshot{
		LoadedKey:      string(m.loadedKey),
		ActiveSessions: len(m.sessions),
		TotalStarts:    m.totalStarts,
		TotalFailures:  m.totalFailures,
		LastError:      m.lastError,
	}
	if !m.lastStartedAt.IsZero() {
		ts := m.lastStartedAt
		snap.LastStartedAt = &ts
	}
	if !m.lastReadyAt.IsZero() {
		ts := m.lastReadyAt
		snap.LastReadyAt = &ts
	}
	if !m.lastErrorAt.IsZero() {
		ts := m.lastErrorAt
		snap.LastErrorAt = &ts
	}
	return snap
}

// Progress folds download and transcode state into the per-asset report.
func (m *Manager) Progress(key domain.AssetKey) domain.LoadProgress {
	s := m.Session(key)
	dl := m.source.Progress(key)

	var downloadPct float64
	switch {
	case dl.Complete:
		downloadPct = 100
	case dl.BytesTotal > 0:
		downloadPct = float64(dl.BytesHave) / float64(dl.BytesTotal) * 100
	}

	p := domain.LoadProgress{DownloadProgress: downloadPct}
	switch {
	case s == nil && dl.StartedAt.IsZero():
		p.Status = domain.StatusInitializing
	case s == nil && !dl.Complete:
		p.Status = domain.StatusDownloading
	case s == nil:
		p.Status = domain.StatusDownloaded
	default:
		select {
		case <-s.Ready():
			if err := s.Err(); err != nil {
				p.Status = domain.StatusError
				p.Message = err.Error()
			} else {
				p.Status = domain.StatusReady
				p.Ready = true
			}
		default:
			if !dl.Complete && !dl.StartedAt.IsZero() {
				p.Status = domain.StatusDownloading
			} else if s.ProcessingProgress() > 0 {
				p.Status = domain.StatusProcessing
			} else {
				p.Status = domain.StatusStarting
			}
		}
	}
	if s != nil {
		p.ProcessingProgress = s.ProcessingProgress()
		if p.Status == domain.StatusProcessing && p.ProcessingProgress > 0 {
			elapsed := time.Since(s.StartedAt).Seconds()
			rate := p.ProcessingProgress / elapsed
			if rate > 0 {
				p.EstimatedTimeRemaining = math.Round((100 - p.ProcessingProgress) / rate)
			}
		}
	}
	p.OverallProgress = domain.ComputeOverall(p.Status, p.DownloadProgress, p.ProcessingProgress)
	return p
}
