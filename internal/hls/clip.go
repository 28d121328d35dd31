package hls

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

const clipTimeout = 2 * time.Minute

// ClipMP4 renders one chunk of the asset as a fragmented MP4 with the
// timecode burn-in offset to the chunk's absolute position, streaming the
// container straight to w.
func (m *Manager) ClipMP4(ctx context.Context, key domain.AssetKey, start, duration float64, w io.Writer) error {
	if duration <= 0 {
		duration = 10
	}
	if start < 0 {
		start = 0
	}
	record, err := m.prober.Probe(ctx, key)
	if err != nil {
		return fmt.Errorf("clip probe: %w: %v", domain.ErrTranscodeStartup, err)
	}
	if record.Video == nil {
		return fmt.Errorf("no video stream in %s: %w", key, domain.ErrTranscodeStartup)
	}

	input, err := m.clipInput(ctx, key, start, duration)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, clipTimeout)
	defer cancel()

	drawtext := fmt.Sprintf(
		`drawtext=text='%%{pts\:hms\:%s}':fontcolor=white:fontsize=36:box=1:boxcolor=black@0.5:boxborderw=8:x=w-tw-20:y=h-th-20`,
		strconv.FormatFloat(start, 'f', 3, 64),
	)
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-t", strconv.FormatFloat(duration, 'f', 3, 64),
	}
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1")
	}
	args = append(args,
		"-i", input,
		"-vf", "fps=25,scale=1280:720:force_original_aspect_ratio=decrease,"+
			"pad=1280:720:(ow-iw)/2:(oh-ih)/2,setsar=1,format=yuv420p,"+drawtext,
		"-c:v", m.videoEncoder,
		"-profile:v", "high",
	)
	if m.videoEncoder == "libx264" {
		args = append(args, "-level:v", "4.0", "-preset", "veryfast")
	}
	if record.HasAudio() {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("clip %s: %w", key, domain.ErrCancelled)
		}
		msg := strings.TrimSpace(stderr.String())
		return fmt.Errorf("clip %s: %w: %v: %s", key, domain.ErrTranscodeStartup, err, msg)
	}
	return nil
}

// clipInput needs enough of the local file to cover start+duration, else
// falls back to a presigned URL where ffmpeg can range-seek.
func (m *Manager) clipInput(ctx context.Context, key domain.AssetKey, start, duration float64) (string, error) {
	if m.source.Enabled() {
		need := start + duration
		if path, err := m.source.Ensure(ctx, key, &need); err == nil {
			return path, nil
		}
	}
	if m.signer == nil {
		return "", fmt.Errorf("no input available for %s: %w", key, domain.ErrSourceUnavailable)
	}
	url, err := m.signer.PresignGet(key, time.Hour)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w: %v", key, domain.ErrSourceUnavailable, err)
	}
	return url, nil
}
