package hls

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

// run is the per-session supervisor: probe, input selection, the ffmpeg
// child, its stderr scanner and the readiness gate all live inside this
// goroutine's cancellation scope.
func (m *Manager) run(s *Session) {
	defer s.cancel()
	ctx := s.ctx

	m.logger.Info("transcode starting",
		slog.String("key", string(s.Key)),
		slog.Int("segmentDuration", s.Options.SegmentDuration),
		slog.Bool("goniometer", s.Options.Goniometer),
	)

	record, err := m.prober.Probe(ctx, s.Key)
	if err != nil {
		m.failStartup(s, fmt.Errorf("probe: %w: %v", domain.ErrTranscodeStartup, err))
		return
	}
	if record.Video == nil {
		m.failStartup(s, fmt.Errorf("no video stream in %s: %w", s.Key, domain.ErrTranscodeStartup))
		return
	}
	expected := 0
	if record.Duration > 0 {
		expected = int(math.Ceil(record.Duration / float64(s.Options.SegmentDuration)))
	}
	s.mu.Lock()
	s.duration = record.Duration
	s.expectedSegments = expected
	s.mu.Unlock()

	input, streaming, err := m.resolveInput(s, record)
	if err != nil {
		m.failStartup(s, err)
		return
	}

	args := buildTranscodeArgs(input, streaming, record, s.Options, m.videoEncoder)
	m.logger.Debug("ffmpeg args", slog.String("key", string(s.Key)), slog.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	cmd.Dir = s.Dir
	// Graceful stop: TERM first so the muxer finalizes open segments,
	// KILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = abortGrace

	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.failStartup(s, fmt.Errorf("stderr pipe: %w: %v", domain.ErrTranscodeStartup, err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.failStartup(s, fmt.Errorf("stdout pipe: %w: %v", domain.ErrTranscodeStartup, err))
		return
	}

	if err := cmd.Start(); err != nil {
		m.failStartup(s, fmt.Errorf("ffmpeg start: %w: %v", domain.ErrTranscodeStartup, err))
		return
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	tail := &stderrTail{}
	var drained sync.WaitGroup
	drained.Add(2)
	go func() {
		defer drained.Done()
		m.scanStderr(s, stderr, tail)
	}()
	go func() {
		defer drained.Done()
		parseProgress(stdout, s)
	}()

	gateStart := time.Now()
	go func() {
		count := waitReady(ctx, s.Dir, m.minSegments, m.readyTimeout, expected)
		if ctx.Err() != nil {
			return
		}
		m.recordReady(s, time.Since(gateStart))
		s.signalReady()
		m.logger.Info("session ready",
			slog.String("key", string(s.Key)),
			slog.Int("segments", count),
			slog.Int64("waitedMs", time.Since(gateStart).Milliseconds()),
		)
	}()

	waitErr := cmd.Wait()
	drained.Wait()
	s.mu.Lock()
	s.running = false
	removeNow := s.removeOnExit
	s.mu.Unlock()
	if removeNow {
		// An earlier removal attempt found us still alive and deferred.
		m.removeSession(s.Key, s)
	}

	if ctx.Err() != nil {
		m.logger.Info("transcode aborted", slog.String("key", string(s.Key)))
		s.setErr(fmt.Errorf("transcode aborted: %w", domain.ErrCancelled))
		s.signalReady()
		return
	}

	if waitErr != nil {
		wasReady := false
		select {
		case <-s.Ready():
			wasReady = true
		default:
		}
		if !wasReady {
			err := fmt.Errorf("ffmpeg exited before readiness: %w: %v: %s",
				domain.ErrTranscodeStartup, waitErr, tail.String())
			s.setErr(err)
			s.signalReady()
			m.recordFailure("startup", err)
			m.logger.Error("transcode startup failed",
				slog.String("key", string(s.Key)),
				slog.String("stderr", tail.String()),
			)
			m.evict(s.Key, s)
			return
		}
		// After readiness: existing segments stay servable, no retry.
		err := fmt.Errorf("ffmpeg exited mid-run: %w: %v", domain.ErrTranscodeMidRun, waitErr)
		s.setErr(err)
		m.recordFailure("midrun", err)
		m.logger.Error("transcode failed mid-run",
			slog.String("key", string(s.Key)),
			slog.String("stderr", tail.String()),
		)
		m.scheduleReclaim(s)
		return
	}

	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	s.signalReady()
	segments := contiguousSegments(s.Dir)
	m.logger.Info("transcode finished",
		slog.String("key", string(s.Key)),
		slog.Int("segments", segments),
		slog.Int64("durationMs", time.Since(s.StartedAt).Milliseconds()),
	)
	// Reclaim the working directory after the review window.
	m.scheduleReclaim(s)
}

func (m *Manager) failStartup(s *Session, err error) {
	s.setErr(err)
	s.signalReady()
	m.recordFailure("startup", err)
	m.logger.Error("transcode startup failed",
		slog.String("key", string(s.Key)),
		slog.String("error", err.Error()),
	)
	m.evict(s.Key, s)
}

// resolveInput prefers the local cache copy, falling back to a presigned
// URL when local caching is disabled. streaming is true when the local
// file is still growing and the transcoder must tolerate a moving EOF.
func (m *Manager) resolveInput(s *Session, record domain.ProbeRecord) (input string, streaming bool, err error) {
	if m.source.Enabled() {
		need := float64(3 * s.Options.SegmentDuration)
		if record.Duration > 0 && record.Duration < need {
			need = record.Duration
		}
		path, err := m.source.Ensure(s.ctx, s.Key, &need)
		if err == nil {
			_, partial, _ := m.source.Entry(s.Key)
			return path, partial, nil
		}
		if errors.Is(err, domain.ErrCancelled) {
			return "", false, err
		}
		m.logger.Warn("local source unavailable, using remote input",
			slog.String("key", string(s.Key)),
			slog.String("error", err.Error()),
		)
	}
	if m.signer == nil {
		return "", false, fmt.Errorf("no input available for %s: %w", s.Key, domain.ErrSourceUnavailable)
	}
	url, err := m.signer.PresignGet(s.Key, time.Hour)
	if err != nil {
		return "", false, fmt.Errorf("presign %s: %w: %v", s.Key, domain.ErrSourceUnavailable, err)
	}
	return url, false, nil
}

// resolveEncoder maps the configured encoder name to an ffmpeg H.264
// encoder. Unknown names fall back to the software encoder.
func resolveEncoder(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nvenc", "h264_nvenc":
		return "h264_nvenc"
	case "qsv", "h264_qsv":
		return "h264_qsv"
	default:
		return "libx264"
	}
}

// buildTranscodeArgs assembles the full ffmpeg invocation: 720p25 H.264
// HLS event output with burned-in timecode, optional goniometer overlay,
// merged mono pair, and the thumbnail branch.
func buildTranscodeArgs(input string, streaming bool, record domain.ProbeRecord, opts Options, encoder string) []string {
	segDur := opts.SegmentDuration

	args := []string{
		"-hide_banner",
		"-loglevel", "verbose",
		"-progress", "pipe:1",
		"-nostdin",
		"-y",
	}
	if streaming {
		// The input file is still being appended to. Regenerate
		// timestamps and never trust input DTS.
		args = append(args,
			"-fflags", "+genpts+igndts",
			"-avoid_negative_ts", "make_zero",
		)
	}
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1")
	}
	args = append(args, "-i", input)

	plan := buildFilterPlan(record, opts)
	args = append(args, "-filter_complex", plan.graph)

	// Main HLS output.
	args = append(args, "-map", plan.videoLabel)
	for _, a := range plan.audioMaps {
		args = append(args, "-map", a)
	}
	args = append(args, "-c:v", encoder, "-profile:v", "high")
	if encoder == "libx264" {
		args = append(args, "-level:v", "4.0", "-preset", "veryfast")
	}
	args = append(args,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segDur),
	)
	if len(plan.audioMaps) > 0 {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	}
	if plan.monoMerged {
		args = append(args, "-metadata:s:a:0", "title="+plan.pairTitle)
		if plan.pairLanguage != "" {
			args = append(args, "-metadata:s:a:0", "language="+plan.pairLanguage)
		}
	}
	if streaming && record.Duration > 0 {
		// Cap output duration so ffmpeg does not stop early at the
		// moving EOF of the growing file.
		args = append(args, "-t", strconv.FormatFloat(record.Duration, 'f', 3, 64))
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segDur),
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "independent_segments+split_by_time+temp_file",
		"-hls_segment_filename", "segment%03d.ts",
		"playlist.m3u8",
	)

	// Thumbnail branch: one JPEG per segment, sampled at the midpoint.
	args = append(args, "-map", plan.thumbLabel, "-q:v", "3")
	if record.Duration > 0 {
		frames := int(math.Ceil(record.Duration / float64(segDur)))
		if frames < 1 {
			frames = 1
		}
		args = append(args, "-frames:v", strconv.Itoa(frames))
	}
	args = append(args, "-f", "image2", "thumb%03d.jpg")

	return args
}

type filterPlan struct {
	graph        string
	videoLabel   string
	thumbLabel   string
	audioMaps    []string
	monoMerged   bool
	pairTitle    string
	pairLanguage string
}

const timecodeDrawtext = `drawtext=text='%{pts\:hms}':fontcolor=white:fontsize=36:box=1:boxcolor=black@0.5:boxborderw=8:x=w-tw-20:y=h-th-20`

// buildFilterPlan constructs the filter_complex graph. The video head is
// split into the main 720p25 chain and the thumbnail chain; audio is
// either the merged mono pair plus remaining streams, or all streams 1:1.
func buildFilterPlan(record domain.ProbeRecord, opts Options) filterPlan {
	segDur := opts.SegmentDuration
	plan := filterPlan{videoLabel: "[vout]", thumbLabel: "[vthumb]"}
	var g strings.Builder

	g.WriteString("[0:v:0]split=2[vmain][vthumbsrc];")
	g.WriteString("[vmain]fps=25,scale=1280:720:force_original_aspect_ratio=decrease,")
	g.WriteString("pad=1280:720:(ow-iw)/2:(oh-ih)/2,setsar=1,format=yuv420p,")
	g.WriteString(timecodeDrawtext)

	merged := record.MonoPair != nil && record.MonoPair.Compatible
	goniometer := opts.Goniometer && record.HasAudio()

	if merged {
		pair := record.MonoPair
		plan.monoMerged = true
		plan.pairTitle = pair.Title
		plan.pairLanguage = pair.Language
		g2 := fmt.Sprintf(";[0:a:%d][0:a:%d]amerge=inputs=2", pair.FirstIndex, pair.SecondIndex)
		if goniometer {
			g2 += "[apair];[apair]asplit=2[aout0][scopesrc]"
		} else {
			g2 += "[aout0]"
		}
		if goniometer {
			g.WriteString("[vclean]")
			g.WriteString(g2)
			g.WriteString(";[scopesrc]avectorscope=s=300x300[scope];")
			g.WriteString("[vclean][scope]overlay=W-w-20:H-h-50[vout]")
		} else {
			g.WriteString("[vout]")
			g.WriteString(g2)
		}
		plan.audioMaps = append(plan.audioMaps, "[aout0]")
		for _, a := range record.Audio {
			if a.Index == pair.FirstIndex || a.Index == pair.SecondIndex {
				continue
			}
			plan.audioMaps = append(plan.audioMaps, fmt.Sprintf("0:a:%d", a.Index))
		}
	} else {
		if goniometer {
			g.WriteString("[vclean];[0:a:0]asplit=2[aout0][scopesrc];")
			g.WriteString("[scopesrc]avectorscope=s=300x300[scope];")
			g.WriteString("[vclean][scope]overlay=W-w-20:H-h-50[vout]")
			plan.audioMaps = append(plan.audioMaps, "[aout0]")
			for _, a := range record.Audio[1:] {
				plan.audioMaps = append(plan.audioMaps, fmt.Sprintf("0:a:%d", a.Index))
			}
		} else {
			g.WriteString("[vout]")
			for _, a := range record.Audio {
				plan.audioMaps = append(plan.audioMaps, fmt.Sprintf("0:a:%d", a.Index))
			}
		}
	}

	g.WriteString(fmt.Sprintf(";[vthumbsrc]fps=1/%d:start_time=%s,scale=320:180[vthumb]",
		segDur, strconv.FormatFloat(float64(segDur)/2, 'f', -1, 64)))

	plan.graph = g.String()
	return plan
}

// scanStderr drains the child's stderr, logging segment and thumbnail
// open markers and keeping an error tail for failure reports.
func (m *Manager) scanStderr(s *Session, r io.Reader, tail *stderrTail) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "Opening '") && strings.Contains(line, ".ts"):
			m.logger.Debug("segment opened", slog.String("key", string(s.Key)), slog.String("line", line))
		case strings.Contains(line, "Opening '") && strings.Contains(line, ".jpg"):
			m.logger.Debug("thumbnail opened", slog.String("key", string(s.Key)), slog.String("line", line))
		default:
			tail.add(line)
		}
	}
}

// parseProgress reads ffmpeg -progress key=value output and tracks the
// encoded position for the progress report.
func parseProgress(r io.Reader, s *Session) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if us, ok := strings.CutPrefix(line, "out_time_us="); ok {
			if v, err := strconv.ParseInt(us, 10, 64); err == nil {
				s.progressUs.Store(v)
			}
		}
	}
}

const stderrTailLines = 20

type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func (t *stderrTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	t.lines = append(t.lines, line)
	if len(t.lines) > stderrTailLines {
		t.lines = t.lines[len(t.lines)-stderrTailLines:]
	}
	t.mu.Unlock()
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
