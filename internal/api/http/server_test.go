package apihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/analysis"
	"github.com/eyevinn-osaas/web-video-review/internal/app"
	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/hls"
)

type fakeTranscoder struct {
	loaded    []domain.AssetKey
	loadedKey domain.AssetKey
	aborted   []domain.AssetKey
	abortAll  int
	progress  domain.LoadProgress
	session   *hls.Session
	ensureErr error
	clipData  []byte
	clipErr   error
}

func (f *fakeTranscoder) Load(key domain.AssetKey) {
	f.loaded = append(f.loaded, key)
	f.loadedKey = key
}

func (f *fakeTranscoder) LoadedKey() domain.AssetKey { return f.loadedKey }
func (f *fakeTranscoder) EnsureSession(ctx context.Context, key domain.AssetKey, opts hls.Options) (*hls.Session, error) {
	return nil, f.ensureErr
}
func (f *fakeTranscoder) Session(key domain.AssetKey) *hls.Session { return f.session }

func (f *fakeTranscoder) Abort(key domain.AssetKey) { f.aborted = append(f.aborted, key) }

func (f *fakeTranscoder) AbortAll() int { return f.abortAll }

func (f *fakeTranscoder) Progress(key domain.AssetKey) domain.LoadProgress {
	return f.progress
}

func (f *fakeTranscoder) Health() hls.HealthSnapshot { return hls.HealthSnapshot{} }

func (f *fakeTranscoder) DefaultSegmentDuration() int { return 10 }

func (f *fakeTranscoder) DefaultGoniometer() bool { return false }
func (f *fakeTranscoder) ClipMP4(ctx context.Context, key domain.AssetKey, start, duration float64, w io.Writer) error {
	if f.clipErr != nil {
		return f.clipErr
	}
	_, err := w.Write(f.clipData)
	return err
}

type fakeProbeStore struct {
	record domain.ProbeRecord
	err    error
}

func (f *fakeProbeStore) Probe(ctx context.Context, key domain.AssetKey) (domain.ProbeRecord, error) {
	return f.record, f.err
}

type fakeHistory struct {
	entries []domain.ReviewEntry
}

func (f *fakeHistory) Upsert(ctx context.Context, entry domain.ReviewEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeHistory) ListRecent(ctx context.Context, limit int) ([]domain.ReviewEntry, error) {
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

type fakeSettings struct {
	settings app.ReviewSettings
	err      error
}

func (f *fakeSettings) Get() app.ReviewSettings { return f.settings }

func (f *fakeSettings) Update(s app.ReviewSettings) error {
	if f.err != nil {
		return f.err
	}
	f.settings = s
	return nil
}

type fakeAnalyzer struct {
	waveform analysis.Waveform
	loudness analysis.Loudness
	err      error
}

func (f *fakeAnalyzer) Waveform(ctx context.Context, key domain.AssetKey, buckets int) (analysis.Waveform, error) {
	return f.waveform, f.err
}

func (f *fakeAnalyzer) Loudness(ctx context.Context, key domain.AssetKey, start, duration float64) (analysis.Loudness, error) {
	return f.loudness, f.err
}

func TestSplitVideoPath(t *testing.T) {
	cases := []struct {
		tail   string
		key    string
		action string
		ok     bool
	}{
		{"clips/match.mxf/playlist.m3u8", "clips/match.mxf", "playlist.m3u8", true},
		{"a.mp4/info", "a.mp4", "info", true},
		{"deep/nested/key.mp4/segment001.ts", "deep/nested/key.mp4", "segment001.ts", true},
		{"justone", "", "", false},
		{"", "", "", false},
		{"key/", "", "", false},
	}
	for _, tc := range cases {
		key, action, ok := splitVideoPath(tc.tail)
		if ok != tc.ok || string(key) != tc.key || action != tc.action {
			t.Errorf("splitVideoPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.tail, key, action, ok, tc.key, tc.action, tc.ok)
		}
	}
}

func TestParseMediaIndex(t *testing.T) {
	if n, ok := parseMediaIndex("segment012.ts", "segment", ".ts"); !ok || n != 12 {
		t.Fatalf("segment012.ts = (%d, %v)", n, ok)
	}
	for _, bad := range []string{"segment12.ts", "segment0012.ts", "segmentabc.ts", "thumb001.ts"} {
		if _, ok := parseMediaIndex(bad, "segment", ".ts"); ok {
			t.Errorf("%q should not parse", bad)
		}
	}
}

func TestNormalizeRoute(t *testing.T) {
	cases := map[string]string{
		"/healthz":                         "/healthz",
		"/video/clips/a.mp4/playlist.m3u8": "/video/playlist",
		"/video/clips/a.mp4/segment001.ts": "/video/segment",
		"/video/clips/a.mp4/thumb001.jpg":  "/video/thumb",
		"/video/clips/a.mp4/waveform":      "/video/waveform",
		"/video/abort-all":                 "/video/abort-all",
		"/settings/review":                 "/settings",
		"/history":                         "/history",
		"/unknown":                         "/other",
	}
	for path, want := range cases {
		if got := normalizeRoute(path); got != want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", path, got, want)
		}
	}
}

func newTestServer(t *testing.T, tc *fakeTranscoder, opts ...ServerOption) *Server {
	t.Helper()
	s := NewServer(tc, opts...)
	t.Cleanup(s.Close)
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestInfoProbesLoadsAndRecordsHistory(t *testing.T) {
	tc := &fakeTranscoder{}
	history := &fakeHistory{}
	probe := &fakeProbeStore{record: domain.ProbeRecord{
		Key:      "clips/a.mp4",
		Duration: 120,
		Video:    &domain.VideoStream{Codec: "h264", Width: 1920, Height: 1080},
	}}
	s := newTestServer(t, tc, WithProbe(probe), WithHistory(history))

	rec := doRequest(t, s, http.MethodGet, "/video/clips/a.mp4/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var record domain.ProbeRecord
	if err := json.NewDecoder(rec.Body).Decode(&record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.Duration != 120 {
		t.Fatalf("duration = %v", record.Duration)
	}
	if len(tc.loaded) != 1 || tc.loaded[0] != "clips/a.mp4" {
		t.Fatalf("load not committed: %v", tc.loaded)
	}
	if len(history.entries) != 1 || history.entries[0].Key != "clips/a.mp4" {
		t.Fatalf("history not recorded: %v", history.entries)
	}
}

func TestInfoNotFoundEnvelope(t *testing.T) {
	tc := &fakeTranscoder{}
	probe := &fakeProbeStore{err: fmt.Errorf("head: %w", domain.ErrNotFound)}
	s := newTestServer(t, tc, WithProbe(probe))

	rec := doRequest(t, s, http.MethodGet, "/video/missing.mp4/info", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestInfoCredentialErrorEnvelope(t *testing.T) {
	tc := &fakeTranscoder{}
	probe := &fakeProbeStore{err: fmt.Errorf("head: %w", domain.ErrCredential)}
	s := newTestServer(t, tc, WithProbe(probe))

	rec := doRequest(t, s, http.MethodGet, "/video/clips/a.mp4/info", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "credential_error" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
	if len(tc.loaded) != 0 {
		t.Fatalf("asset loaded despite credential failure: %v", tc.loaded)
	}
}

func TestThumbnailsListPendingEntries(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"segment000.ts", "segment001.ts", "segment002.ts"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("ts"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	for _, name := range []string{"thumb000.jpg", "thumb001.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("jpeg"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	tc := &fakeTranscoder{session: &hls.Session{
		Key:     "clips/a.mp4",
		Dir:     dir,
		Options: hls.Options{SegmentDuration: 10},
	}}
	s := newTestServer(t, tc)

	rec := doRequest(t, s, http.MethodGet, "/video/clips/a.mp4/thumbnails", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var entries []thumbnailEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// One entry per finished segment, trailing thumbnails pending.
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Data == nil || !strings.HasPrefix(*entries[0].Data, "data:image/jpeg;base64,") {
		t.Fatalf("entry 0 data = %v", entries[0].Data)
	}
	if entries[0].Source != "thumb000.jpg" || entries[0].Time != 5 {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if entries[1].Time != 15 {
		t.Fatalf("entry 1 time = %v", entries[1].Time)
	}
	if entries[2].Data != nil || entries[2].Source != "pending" {
		t.Fatalf("entry 2 should be pending: %+v", entries[2])
	}
}

func TestCancelledRequestDropsConnection(t *testing.T) {
	tc := &fakeTranscoder{ensureErr: fmt.Errorf("playlist wait: %w", domain.ErrCancelled)}
	s := newTestServer(t, tc)

	req := httptest.NewRequest(http.MethodGet, "/video/a.mp4/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", r)
		}
	}()
	s.ServeHTTP(rec, req)
	t.Fatal("cancelled request produced a response")
}

func TestSegmentValidation(t *testing.T) {
	s := newTestServer(t, &fakeTranscoder{})

	rec := doRequest(t, s, http.MethodGet, "/video/a.mp4/segment12.ts", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed name status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/video/a.mp4/segment001.ts", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no-session status = %d", rec.Code)
	}
}

func TestThumbPlaceholderWithoutSession(t *testing.T) {
	s := newTestServer(t, &fakeTranscoder{})
	rec := doRequest(t, s, http.MethodGet, "/video/a.mp4/thumb001.jpg", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("placeholder body empty")
	}
}

func TestProgressEndpoint(t *testing.T) {
	tc := &fakeTranscoder{progress: domain.LoadProgress{
		Status:          domain.StatusProcessing,
		OverallProgress: 72,
	}}
	s := newTestServer(t, tc)

	rec := doRequest(t, s, http.MethodGet, "/video/a.mp4/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var p domain.LoadProgress
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != domain.StatusProcessing || p.OverallProgress != 72 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestStreamEndpoint(t *testing.T) {
	tc := &fakeTranscoder{clipData: []byte("ftypmp4-bytes")}
	s := newTestServer(t, tc)

	rec := doRequest(t, s, http.MethodGet, "/video/a.mp4/stream?t=5&d=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Body.String() != "ftypmp4-bytes" {
		t.Fatalf("body = %q", rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/video/a.mp4/stream?d=-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid duration status = %d", rec.Code)
	}
}

func TestAbortEndpoints(t *testing.T) {
	tc := &fakeTranscoder{abortAll: 3}
	s := newTestServer(t, tc)

	rec := doRequest(t, s, http.MethodPost, "/video/clips/a.mp4/abort", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("abort status = %d", rec.Code)
	}
	if len(tc.aborted) != 1 || tc.aborted[0] != "clips/a.mp4" {
		t.Fatalf("aborted keys = %v", tc.aborted)
	}

	rec = doRequest(t, s, http.MethodPost, "/video/abort-all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("abort-all status = %d", rec.Code)
	}
	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["abortedCount"] != 3 {
		t.Fatalf("abortedCount = %d", resp["abortedCount"])
	}
}

func TestWaveformEndpoint(t *testing.T) {
	analyzer := &fakeAnalyzer{waveform: analysis.Waveform{
		Duration:   30,
		Samples:    []float64{0.1, 0.5},
		SampleRate: 8000,
		HasAudio:   true,
	}}
	s := newTestServer(t, &fakeTranscoder{}, WithAnalyzer(analyzer))

	rec := doRequest(t, s, http.MethodGet, "/video/a.mp4/waveform?samples=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var w analysis.Waveform
	if err := json.NewDecoder(rec.Body).Decode(&w); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(w.Samples) != 2 || !w.HasAudio {
		t.Fatalf("waveform = %+v", w)
	}

	rec = doRequest(t, s, http.MethodGet, "/video/a.mp4/waveform?samples=bad", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid samples status = %d", rec.Code)
	}
}

func TestLoudnessEndpointValidation(t *testing.T) {
	s := newTestServer(t, &fakeTranscoder{}, WithAnalyzer(&fakeAnalyzer{}))
	rec := doRequest(t, s, http.MethodGet, "/video/a.mp4/ebu-r128?startTime=-2", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative start status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/video/a.mp4/ebu-r128?duration=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero duration status = %d", rec.Code)
	}
}

func TestReviewSettingsRoundTrip(t *testing.T) {
	ctrl := &fakeSettings{settings: app.ReviewSettings{SegmentDuration: 10}}
	s := newTestServer(t, &fakeTranscoder{}, WithReviewSettings(ctrl))

	rec := doRequest(t, s, http.MethodGet, "/settings/review", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	body := strings.NewReader(`{"segmentDuration":6,"goniometer":true}`)
	rec = doRequest(t, s, http.MethodPut, "/settings/review", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}
	if ctrl.settings.SegmentDuration != 6 || !ctrl.settings.Goniometer {
		t.Fatalf("settings = %+v", ctrl.settings)
	}

	rec = doRequest(t, s, http.MethodPut, "/settings/review", strings.NewReader(`{"bogus":1}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
}

func TestReviewSettingsInvalidRejected(t *testing.T) {
	ctrl := &fakeSettings{settings: app.ReviewSettings{SegmentDuration: 10}, err: app.ErrInvalidSettings}
	s := newTestServer(t, &fakeTranscoder{}, WithReviewSettings(ctrl))
	rec := doRequest(t, s, http.MethodPut, "/settings/review", strings.NewReader(`{"segmentDuration":99}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	history := &fakeHistory{entries: []domain.ReviewEntry{
		{Key: "b.mp4", LoadedAt: time.Now()},
		{Key: "a.mp4", LoadedAt: time.Now().Add(-time.Hour)},
	}}
	s := newTestServer(t, &fakeTranscoder{}, WithHistory(history))

	rec := doRequest(t, s, http.MethodGet, "/history?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []domain.ReviewEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "b.mp4" {
		t.Fatalf("entries = %v", entries)
	}

	rec = doRequest(t, s, http.MethodGet, "/history?limit=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d", rec.Code)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeTranscoder{})
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, &fakeTranscoder{})
	req := httptest.NewRequest(http.MethodOptions, "/video/a.mp4/info", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
