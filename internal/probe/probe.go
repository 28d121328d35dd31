// Package probe inspects store assets with ffprobe and memoizes the result.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

// SourceFunc resolves a key to an ffprobe input argument, either a local
// cache path or a presigned store URL.
type SourceFunc func(ctx context.Context, key domain.AssetKey) (string, error)

const (
	maxProbeTimeout = 30 * time.Second
	recordTTL       = time.Hour
)

type cachedRecord struct {
	record  domain.ProbeRecord
	expires time.Time
}

type Prober struct {
	binary string
	source SourceFunc

	mu      sync.Mutex
	records map[domain.AssetKey]cachedRecord
}

func New(binary string, source SourceFunc) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{
		binary:  bin,
		source:  source,
		records: make(map[domain.AssetKey]cachedRecord),
	}
}

// Probe returns stream metadata for key, running ffprobe at most once per
// TTL window.
func (p *Prober) Probe(ctx context.Context, key domain.AssetKey) (domain.ProbeRecord, error) {
	p.mu.Lock()
	if cached, ok := p.records[key]; ok && time.Now().Before(cached.expires) {
		p.mu.Unlock()
		return cached.record, nil
	}
	p.mu.Unlock()

	input, err := p.source(ctx, key)
	if err != nil {
		return domain.ProbeRecord{}, err
	}
	record, err := p.run(ctx, key, input)
	if err != nil {
		return domain.ProbeRecord{}, err
	}

	p.mu.Lock()
	p.records[key] = cachedRecord{record: record, expires: time.Now().Add(recordTTL)}
	p.mu.Unlock()
	return record, nil
}

// Bitrate is the sourcecache hint: best-effort bits per second, 0 when the
// asset cannot be probed.
func (p *Prober) Bitrate(ctx context.Context, key domain.AssetKey) int64 {
	record, err := p.Probe(ctx, key)
	if err != nil {
		return 0
	}
	return record.EstimatedBitrate()
}

// Invalidate drops the memoized record for key.
func (p *Prober) Invalidate(key domain.AssetKey) {
	p.mu.Lock()
	delete(p.records, key)
	p.mu.Unlock()
}

func (p *Prober) run(ctx context.Context, key domain.AssetKey, input string) (domain.ProbeRecord, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-probesize", "100M",
		"-analyzeduration", "100M",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		input,
	)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	record, parseErr := parseProbeOutput(key, stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			return domain.ProbeRecord{}, probeFailure(runErr, stderr.String())
		}
		return domain.ProbeRecord{}, fmt.Errorf("ffprobe output parse failed: %w", parseErr)
	}
	// ffprobe exits non-zero on partially downloaded files while still
	// emitting usable stream metadata. Keep metadata if we have it.
	if runErr != nil && record.Video == nil && len(record.Audio) == 0 {
		return domain.ProbeRecord{}, probeFailure(runErr, stderr.String())
	}
	return record, nil
}

func probeFailure(runErr error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return fmt.Errorf("ffprobe failed: %w", runErr)
	}
	return fmt.Errorf("ffprobe failed: %w: %s", runErr, msg)
}
