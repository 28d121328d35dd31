package apihttp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/hls"
	"github.com/eyevinn-osaas/web-video-review/internal/metrics"
)

// handleInfo probes the asset and commits the service to it. Loading is a
// side effect: the playlist request that follows starts the transcode.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	if s.probe == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "media probe not configured")
		return
	}
	record, err := s.probe.Probe(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.transcoder.Load(key)
	if s.history != nil {
		entry := domain.ReviewEntry{Key: key, LoadedAt: time.Now().UTC(), Duration: record.Duration}
		if err := s.history.Upsert(r.Context(), entry); err != nil {
			s.logger.Warn("history upsert failed",
				slog.String("key", string(key)),
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, record)
}

func (s *Server) sessionOptions(r *http.Request) (hls.Options, error) {
	opts := hls.Options{
		SegmentDuration: s.transcoder.DefaultSegmentDuration(),
		Goniometer:      s.transcoder.DefaultGoniometer(),
	}
	if raw := r.URL.Query().Get("segmentDuration"); raw != "" {
		d, err := parsePositiveInt(raw, true)
		if err != nil || d > 60 {
			return opts, errors.New("segmentDuration must be 1-60")
		}
		opts.SegmentDuration = d
	}
	if v, set, err := parseBoolQuery(r.URL.Query().Get("goniometer")); err != nil {
		return opts, errors.New("invalid goniometer")
	} else if set {
		opts.Goniometer = v
	}
	return opts, nil
}

// handlePlaylist starts (or reuses) the session for key and serves the
// event playlist once the readiness gate opens.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	opts, err := s.sessionOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	session, err := s.transcoder.EnsureSession(r.Context(), key, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := session.AwaitReady(r.Context()); err != nil {
		writeDomainError(w, fmt.Errorf("playlist wait: %w", domain.ErrCancelled))
		return
	}
	if err := session.Err(); err != nil && session.Failed() {
		writeDomainError(w, err)
		return
	}

	path := session.PlaylistPath()
	data, err := os.ReadFile(path)
	if err != nil {
		writeDomainError(w, fmt.Errorf("playlist read: %w: %v", domain.ErrIO, err))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request, key domain.AssetKey, name string) {
	if _, ok := parseMediaIndex(name, "segment", ".ts"); !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed segment name")
		return
	}
	session := s.transcoder.Session(key)
	if session == nil {
		writeError(w, http.StatusNotFound, "not_found", "no session for asset")
		return
	}
	path := filepath.Join(session.Dir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "segment not available")
		return
	}
	metrics.SegmentsServedTotal.Inc()
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request, key domain.AssetKey, name string) {
	if _, ok := parseMediaIndex(name, "thumb", ".jpg"); !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed thumbnail name")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")

	session := s.transcoder.Session(key)
	if session != nil {
		path := filepath.Join(session.Dir, name)
		if _, err := os.Stat(path); err == nil {
			http.ServeFile(w, r, path)
			return
		}
	}
	// The thumbnail chain trails the segment chain; serve a placeholder
	// rather than a broken image.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(placeholderThumb)
}

type thumbnailEntry struct {
	SegmentIndex int     `json:"segmentIndex"`
	Time         float64 `json:"time"`
	Data         *string `json:"data"`
	Source       string  `json:"source"`
}

// handleThumbnails returns one entry per expected segment as a flat array.
// Thumbnails trail the segment chain, so entries whose JPEG has not been
// written yet carry a null data URI and a pending marker.
func (s *Server) handleThumbnails(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	session := s.transcoder.Session(key)
	if session == nil {
		writeError(w, http.StatusNotFound, "not_found", "no session for asset")
		return
	}

	total := session.ExpectedSegments()
	if total == 0 {
		// Duration unknown; fall back to what the muxer has produced.
		total = session.SegmentCount()
	}
	segDur := float64(session.Options.SegmentDuration)
	entries := make([]thumbnailEntry, 0, total)
	for i := 0; i < total; i++ {
		name := fmt.Sprintf("thumb%03d.jpg", i)
		entry := thumbnailEntry{
			SegmentIndex: i,
			Time:         float64(i)*segDur + segDur/2,
			Source:       "pending",
		}
		if data, err := os.ReadFile(filepath.Join(session.Dir, name)); err == nil {
			uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
			entry.Data = &uri
			entry.Source = name
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	if s.analyzer == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "analysis not configured")
		return
	}
	samples, err := parsePositiveInt(r.URL.Query().Get("samples"), true)
	if err != nil || samples > 20000 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid samples")
		return
	}
	waveform, err := s.analyzer.Waveform(r.Context(), key, samples)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, waveform)
}

func (s *Server) handleLoudness(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	if s.analyzer == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "analysis not configured")
		return
	}
	start, err := parseFloatQuery(r.URL.Query().Get("startTime"), 0)
	if err != nil || start < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid startTime")
		return
	}
	duration, err := parseFloatQuery(r.URL.Query().Get("duration"), 10)
	if err != nil || duration <= 0 || duration > 600 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid duration")
		return
	}
	loudness, err := s.analyzer.Loudness(r.Context(), key, start, duration)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loudness)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	writeJSON(w, http.StatusOK, s.transcoder.Progress(key))
}

// handleStream transcodes one window of the source into a fragmented MP4
// directly onto the response, for frame-accurate scrubbing.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	start, err := parseFloatQuery(r.URL.Query().Get("t"), 0)
	if err != nil || start < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid t")
		return
	}
	duration, err := parseFloatQuery(r.URL.Query().Get("d"), 10)
	if err != nil || duration <= 0 || duration > 300 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid d")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache")
	if err := s.transcoder.ClipMP4(r.Context(), key, start, duration, w); err != nil {
		// Headers are already out once ffmpeg wrote anything; log and drop.
		s.logger.Warn("clip stream failed",
			slog.String("key", string(key)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	s.transcoder.Abort(key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted", "key": string(key)})
}

func (s *Server) handleAbortAll(w http.ResponseWriter, r *http.Request) {
	count := s.transcoder.AbortAll()
	writeJSON(w, http.StatusOK, map[string]int{"abortedCount": count})
}

// placeholderThumb is a neutral 320x180 frame served while the real
// thumbnail is still being written.
var placeholderThumb = func() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 320, 180))
	gray := color.RGBA{R: 24, G: 24, B: 28, A: 255}
	for y := 0; y < 180; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, gray)
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70})
	return buf.Bytes()
}()
