// Package hls runs the per-asset transcode pipeline: one ffmpeg child per
// loaded asset writing a live event playlist, segments and thumbnails into
// a working directory.
package hls

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

// Options travel from the playlist query string into the transcoder
// invocation. Changing them restarts the session.
type Options struct {
	SegmentDuration int
	Goniometer      bool
}

func (o Options) normalized(defaultSegDur int) Options {
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = defaultSegDur
	}
	return o
}

// Session is one live transcode: a working directory, a child process and
// the readiness signal handlers block on.
type Session struct {
	Key       domain.AssetKey
	Dir       string
	Options   Options
	StartedAt time.Time

	ready     chan struct{}
	readyOnce sync.Once
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	progressUs atomic.Int64

	mu               sync.Mutex
	running          bool
	completed        bool
	deletePending    bool
	removeOnExit     bool
	err              error
	duration         float64
	expectedSegments int
}

func newSession(key domain.AssetKey, dir string, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		Key:       key,
		Dir:       dir,
		Options:   opts,
		StartedAt: time.Now().UTC(),
		ready:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Ready closes once the readiness gate fires or the session fails.
func (s *Session) Ready() <-chan struct{} { return s.ready }

func (s *Session) signalReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// AwaitReady blocks until the session is ready or ctx is cancelled.
func (s *Session) AwaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Failed reports whether the child died without producing a usable session.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil && !s.completed
}

// Alive reports whether the child process is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// DeletePending reports whether the session has been aborted and is
// waiting for its working directory to be removed. Finished segments
// stay servable until then.
func (s *Session) DeletePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletePending
}

// SegmentCount is the number of contiguous finished segments on disk.
func (s *Session) SegmentCount() int {
	return contiguousSegments(s.Dir)
}

// Duration is the probed source duration, 0 before the probe completes.
func (s *Session) SourceDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// ExpectedSegments is ceil(duration/segmentDuration), 0 when unknown.
func (s *Session) ExpectedSegments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedSegments
}

// ProcessingProgress is percent of the source duration already encoded.
func (s *Session) ProcessingProgress() float64 {
	s.mu.Lock()
	duration := s.duration
	completed := s.completed
	s.mu.Unlock()
	if completed {
		return 100
	}
	if duration <= 0 {
		return 0
	}
	encoded := float64(s.progressUs.Load()) / 1e6
	pct := encoded / duration * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// PlaylistPath returns the playlist to serve: the atomic-rename tmp file
// when the transcoder is mid-write, else the published playlist.
func (s *Session) PlaylistPath() string {
	tmp := filepath.Join(s.Dir, "playlist.m3u8.tmp")
	if fileExists(tmp) {
		return tmp
	}
	return filepath.Join(s.Dir, "playlist.m3u8")
}

var (
	unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	underscoreRuns = regexp.MustCompile(`_+`)
)

// sanitizeKey derives a filesystem-safe directory name from an asset key.
// Unsafe characters become underscores and runs of underscores collapse.
func sanitizeKey(key domain.AssetKey) string {
	name := unsafeKeyChars.ReplaceAllString(string(key), "_")
	return underscoreRuns.ReplaceAllString(name, "_")
}
