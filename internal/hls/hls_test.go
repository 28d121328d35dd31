package hls

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/sourcecache"
)

func TestSanitizeKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"clips/match.mxf", "clips_match.mxf"},
		{"a b//c", "a_b_c"},
		{"plain-name_1.mp4", "plain-name_1.mp4"},
		{"ünïcode?.ts", "_n_code_.ts"},
	}
	for _, tc := range cases {
		if got := sanitizeKey(domain.AssetKey(tc.in)); got != tc.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func writeSegments(t *testing.T, dir string, indices ...int) {
	t.Helper()
	for _, i := range indices {
		if err := os.WriteFile(filepath.Join(dir, segmentName(i)), []byte("ts"), 0o644); err != nil {
			t.Fatalf("write segment %d: %v", i, err)
		}
	}
}

func TestContiguousSegments(t *testing.T) {
	dir := t.TempDir()
	if n := contiguousSegments(dir); n != 0 {
		t.Fatalf("empty dir = %d segments", n)
	}
	writeSegments(t, dir, 0, 1, 3)
	if n := contiguousSegments(dir); n != 2 {
		t.Fatalf("gap not respected: %d segments", n)
	}
	writeSegments(t, dir, 2)
	if n := contiguousSegments(dir); n != 4 {
		t.Fatalf("filled gap: %d segments", n)
	}
}

func TestWaitReadySucceedsOnSegments(t *testing.T) {
	dir := t.TempDir()
	go func() {
		time.Sleep(150 * time.Millisecond)
		for i := 0; i < 2; i++ {
			_ = os.WriteFile(filepath.Join(dir, segmentName(i)), []byte("ts"), 0o644)
		}
	}()
	start := time.Now()
	count := waitReady(context.Background(), dir, 2, 5*time.Second, 0)
	if count < 2 {
		t.Fatalf("gate returned with %d segments", count)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("gate took too long after segments appeared")
	}
}

func TestWaitReadyShortAsset(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 0)
	// One expected segment shrinks the requirement to one.
	count := waitReady(context.Background(), dir, 2, 5*time.Second, 1)
	if count != 1 {
		t.Fatalf("short asset gate = %d segments, want 1", count)
	}
}

func TestWaitReadyTimeoutIsSuccess(t *testing.T) {
	dir := t.TempDir()
	count := waitReady(context.Background(), dir, 2, 300*time.Millisecond, 0)
	if count != 0 {
		t.Fatalf("empty dir gate = %d", count)
	}
}

func stereoRecord() domain.ProbeRecord {
	return domain.ProbeRecord{
		Key:      "clips/a.mp4",
		Duration: 35,
		Video:    &domain.VideoStream{Codec: "h264", Width: 1920, Height: 1080, FrameRateNum: 25, FrameRateDen: 1},
		Audio: []domain.AudioStream{
			{Index: 0, Codec: "aac", SampleRate: 48000, Channels: 2, ChannelLayout: "stereo"},
		},
	}
}

func monoPairRecord() domain.ProbeRecord {
	r := domain.ProbeRecord{
		Key:      "clips/b.mxf",
		Duration: 120,
		Video:    &domain.VideoStream{Codec: "mpeg2video", Width: 1920, Height: 1080, FrameRateNum: 25, FrameRateDen: 1},
		Audio: []domain.AudioStream{
			{Index: 0, Codec: "pcm_s24le", SampleRate: 48000, Channels: 1, ChannelLayout: "mono"},
			{Index: 1, Codec: "pcm_s24le", SampleRate: 48000, Channels: 1, ChannelLayout: "mono"},
			{Index: 2, Codec: "pcm_s24le", SampleRate: 48000, Channels: 1, ChannelLayout: "mono"},
			{Index: 3, Codec: "pcm_s24le", SampleRate: 48000, Channels: 1, ChannelLayout: "mono"},
		},
	}
	r.MonoPair = domain.DetectMonoPair(r.Audio)
	return r
}

func TestBuildFilterPlanMonoPair(t *testing.T) {
	plan := buildFilterPlan(monoPairRecord(), Options{SegmentDuration: 10})
	if !plan.monoMerged {
		t.Fatal("mono pair should merge")
	}
	if !strings.Contains(plan.graph, "[0:a:0][0:a:1]amerge=inputs=2") {
		t.Fatalf("merge missing from graph: %s", plan.graph)
	}
	// Merged stereo first, then the remaining mono streams in order.
	want := []string{"[aout0]", "0:a:2", "0:a:3"}
	if len(plan.audioMaps) != len(want) {
		t.Fatalf("audio maps = %v, want %v", plan.audioMaps, want)
	}
	for i := range want {
		if plan.audioMaps[i] != want[i] {
			t.Fatalf("audio maps = %v, want %v", plan.audioMaps, want)
		}
	}
}

func TestBuildFilterPlanGoniometer(t *testing.T) {
	plan := buildFilterPlan(stereoRecord(), Options{SegmentDuration: 10, Goniometer: true})
	if !strings.Contains(plan.graph, "avectorscope=s=300x300") {
		t.Fatalf("vectorscope missing: %s", plan.graph)
	}
	if !strings.Contains(plan.graph, "overlay=W-w-20:H-h-50") {
		t.Fatalf("overlay placement wrong: %s", plan.graph)
	}
	plain := buildFilterPlan(stereoRecord(), Options{SegmentDuration: 10})
	if strings.Contains(plain.graph, "avectorscope") {
		t.Fatal("vectorscope present without goniometer option")
	}
}

func TestBuildTranscodeArgs(t *testing.T) {
	args := buildTranscodeArgs("/tmp/in.mp4", false, stereoRecord(), Options{SegmentDuration: 10}, "libx264")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-c:v libx264",
		"-preset veryfast",
		"-hls_playlist_type event",
		"-hls_segment_filename segment%03d.ts",
		"-force_key_frames expr:gte(t,n_forced*10)",
		"-profile:v high",
		"-b:a 128k",
		"scale=320:180",
		"fps=1/10:start_time=5",
		"thumb%03d.jpg",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "-fflags") {
		t.Error("streaming flags present for complete input")
	}

	streaming := strings.Join(buildTranscodeArgs("/tmp/in.mp4", true, stereoRecord(), Options{SegmentDuration: 10}, "libx264"), " ")
	if !strings.Contains(streaming, "+genpts+igndts") {
		t.Error("streaming flags missing for partial input")
	}
	if !strings.Contains(streaming, "-t 35.000") {
		t.Errorf("duration cap missing for partial input:\n%s", streaming)
	}

	hw := strings.Join(buildTranscodeArgs("/tmp/in.mp4", false, stereoRecord(), Options{SegmentDuration: 10}, "h264_nvenc"), " ")
	if !strings.Contains(hw, "-c:v h264_nvenc") {
		t.Errorf("hardware encoder not selected:\n%s", hw)
	}
	if strings.Contains(hw, "-preset veryfast") {
		t.Error("software preset leaked into hardware encoder args")
	}
}

func TestResolveEncoder(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "libx264"},
		{"software", "libx264"},
		{"libx264", "libx264"},
		{"nvenc", "h264_nvenc"},
		{"NVENC", "h264_nvenc"},
		{"h264_nvenc", "h264_nvenc"},
		{"qsv", "h264_qsv"},
		{"bogus", "libx264"},
	}
	for _, tc := range cases {
		if got := resolveEncoder(tc.in); got != tc.want {
			t.Errorf("resolveEncoder(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

type fakeSource struct {
	enabled bool
	aborted []domain.AssetKey
}

func (f *fakeSource) Enabled() bool { return f.enabled }
func (f *fakeSource) Ensure(ctx context.Context, key domain.AssetKey, needSecs *float64) (string, error) {
	return "", errors.New("no local copy")
}
func (f *fakeSource) Entry(key domain.AssetKey) (string, bool, bool) { return "", false, false }
func (f *fakeSource) Progress(key domain.AssetKey) sourcecache.Progress {
	return sourcecache.Progress{}
}
func (f *fakeSource) Abort(key domain.AssetKey) { f.aborted = append(f.aborted, key) }
func (f *fakeSource) AbortAll()                 {}

type fakeProber struct {
	record domain.ProbeRecord
	err    error
}

func (f *fakeProber) Probe(ctx context.Context, key domain.AssetKey) (domain.ProbeRecord, error) {
	return f.record, f.err
}

func newTestManager(t *testing.T) (*Manager, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	m := NewManager(Config{
		CacheDir:     t.TempDir(),
		ReadyTimeout: time.Second,
	}, src, &fakeProber{err: errors.New("probe unavailable")}, nil, nil)
	return m, src
}

func TestLoadSwitchAbortsPreviousKey(t *testing.T) {
	m, src := newTestManager(t)
	m.Load("clips/a.mp4")
	if m.LoadedKey() != "clips/a.mp4" {
		t.Fatalf("loaded key = %q", m.LoadedKey())
	}
	m.Load("clips/b.mp4")
	if m.LoadedKey() != "clips/b.mp4" {
		t.Fatalf("loaded key after switch = %q", m.LoadedKey())
	}
	if len(src.aborted) != 1 || src.aborted[0] != "clips/a.mp4" {
		t.Fatalf("previous key download not aborted: %v", src.aborted)
	}
}

func TestEnsureSessionFailedStartupSurfaces(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.EnsureSession(context.Background(), "clips/a.mp4", Options{})
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	if !errors.Is(s.Err(), domain.ErrTranscodeStartup) {
		t.Fatalf("session error = %v, want transcode startup", s.Err())
	}
	// The failed session is marked for removal and the next request
	// replaces it rather than joining it.
	deadline := time.After(2 * time.Second)
	for !s.DeletePending() {
		select {
		case <-deadline:
			t.Fatal("failed session not marked for removal")
		case <-time.After(10 * time.Millisecond):
		}
	}
	replacement, err := m.EnsureSession(context.Background(), "clips/a.mp4", Options{})
	if err != nil {
		t.Fatalf("EnsureSession after failure: %v", err)
	}
	if replacement == s {
		t.Fatal("failed session was reused")
	}
}

func TestAbortKeepsSegmentsServable(t *testing.T) {
	m, _ := newTestManager(t)
	key := domain.AssetKey("clips/a.mp4")
	dir := filepath.Join(m.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	s := newSession(key, dir, Options{SegmentDuration: 10})
	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()
	writeSegments(t, dir, 0, 1, 2)

	m.Abort(key)

	// Finished segments stay servable until the deferred removal fires:
	// the session is still registered and its files are still on disk.
	if got := m.Session(key); got != s {
		t.Fatalf("aborted session deregistered early: %v", got)
	}
	if !s.DeletePending() {
		t.Fatal("aborted session not marked for removal")
	}
	if _, err := os.Stat(filepath.Join(dir, segmentName(2))); err != nil {
		t.Fatalf("segment gone right after abort: %v", err)
	}
	select {
	case <-s.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("abort did not cancel the session")
	}
}

func TestDeferredRemovalSkipsReplacementSession(t *testing.T) {
	m, _ := newTestManager(t)
	key := domain.AssetKey("clips/a.mp4")
	dir := filepath.Join(m.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := newSession(key, dir, Options{SegmentDuration: 10})
	m.mu.Lock()
	m.sessions[key] = old
	m.mu.Unlock()
	m.Abort(key)

	// A replacement takes over the same sanitized directory before the
	// removal timer fires.
	repl := newSession(key, dir, Options{SegmentDuration: 10})
	m.mu.Lock()
	m.sessions[key] = repl
	m.mu.Unlock()
	writeSegments(t, dir, 0)

	m.removeSession(key, old)

	if got := m.Session(key); got != repl {
		t.Fatalf("replacement deregistered: %v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, segmentName(0))); err != nil {
		t.Fatalf("replacement's segment removed: %v", err)
	}
}

type blockingProber struct {
	release chan struct{}
}

func (b *blockingProber) Probe(ctx context.Context, key domain.AssetKey) (domain.ProbeRecord, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return domain.ProbeRecord{}, errors.New("probe unavailable")
}

func TestEnsureSessionJoinsAndReplaces(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	src := &fakeSource{}
	m := NewManager(Config{
		CacheDir:     t.TempDir(),
		ReadyTimeout: time.Second,
	}, src, &blockingProber{release: release}, nil, nil)

	s1, err := m.EnsureSession(context.Background(), "clips/a.mp4", Options{})
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	s2, err := m.EnsureSession(context.Background(), "clips/a.mp4", Options{})
	if err != nil {
		t.Fatalf("second EnsureSession: %v", err)
	}
	if s2 != s1 {
		t.Fatal("same options should join the live session")
	}

	s3, err := m.EnsureSession(context.Background(), "clips/a.mp4", Options{SegmentDuration: 4})
	if err != nil {
		t.Fatalf("EnsureSession with new options: %v", err)
	}
	if s3 == s1 {
		t.Fatal("changed options should replace the session")
	}
	if s3.Options.SegmentDuration != 4 {
		t.Fatalf("replacement options = %+v", s3.Options)
	}
	if got := m.Session("clips/a.mp4"); got != s3 {
		t.Fatalf("registry holds %v, want the replacement", got)
	}
	select {
	case <-s1.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced session not cancelled")
	}
}

func TestSessionReclaimedAfterTTL(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(Config{
		CacheDir:     t.TempDir(),
		ReadyTimeout: time.Second,
		SessionTTL:   50 * time.Millisecond,
	}, src, &fakeProber{err: errors.New("probe unavailable")}, nil, nil)

	key := domain.AssetKey("clips/a.mp4")
	dir := filepath.Join(m.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	s := newSession(key, dir, Options{SegmentDuration: 10})
	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()

	m.scheduleReclaim(s)

	deadline := time.After(2 * time.Second)
	for !s.DeletePending() {
		select {
		case <-deadline:
			t.Fatal("session not reclaimed after TTL")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProgressInitializing(t *testing.T) {
	m, _ := newTestManager(t)
	p := m.Progress("clips/none.mp4")
	if p.Status != domain.StatusInitializing || p.OverallProgress != 0 {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestOptionsNormalized(t *testing.T) {
	o := Options{}.normalized(10)
	if o.SegmentDuration != 10 {
		t.Fatalf("default segment duration = %d", o.SegmentDuration)
	}
	o = Options{SegmentDuration: 4}.normalized(10)
	if o.SegmentDuration != 4 {
		t.Fatalf("explicit segment duration overridden: %d", o.SegmentDuration)
	}
}
