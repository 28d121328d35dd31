package analysis

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/metrics"
)

// Loudness measures one window of key's audio with the ebur128 filter and
// parses the summary from stderr.
func (a *Analyzer) Loudness(ctx context.Context, key domain.AssetKey, start, duration float64) (Loudness, error) {
	if start < 0 {
		start = 0
	}
	if duration <= 0 {
		duration = 10
	}
	record, err := a.prober.Probe(ctx, key)
	if err != nil {
		return Loudness{}, fmt.Errorf("loudness probe %s: %w: %v", key, domain.ErrAnalysisFailed, err)
	}
	if !record.HasAudio() {
		return Loudness{}, fmt.Errorf("loudness %s: asset has no audio: %w", key, domain.ErrAnalysisFailed)
	}

	merged := record.MonoPair != nil && record.MonoPair.Compatible
	cacheKey := fmt.Sprintf("%s|ebur128|%.3f|%.3f|%t", key, start, duration, merged)
	v, err := a.memoized(cacheKey, func() (any, error) {
		return a.runLoudness(ctx, key, record, start, duration, merged)
	})
	if err != nil {
		return Loudness{}, err
	}
	return v.(Loudness), nil
}

func (a *Analyzer) runLoudness(ctx context.Context, key domain.AssetKey, record domain.ProbeRecord, start, duration float64, merged bool) (Loudness, error) {
	input, err := a.source(ctx, key)
	if err != nil {
		return Loudness{}, fmt.Errorf("loudness %s: %w: %v", key, domain.ErrAnalysisFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	var graph string
	if merged {
		pair := record.MonoPair
		graph = fmt.Sprintf("[0:a:%d][0:a:%d]amerge=inputs=2,ebur128[lout]", pair.FirstIndex, pair.SecondIndex)
	} else {
		graph = "[0:a:0]ebur128[lout]"
	}

	cmd := exec.CommandContext(ctx, a.ffmpegPath,
		"-hide_banner",
		"-nostdin",
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-t", strconv.FormatFloat(duration, 'f', 3, 64),
		"-i", input,
		"-filter_complex", graph,
		"-map", "[lout]",
		"-f", "null",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	metrics.AnalysisDuration.WithLabelValues("ebur128").Observe(time.Since(started).Seconds())
	if runErr != nil {
		metrics.AnalysisRunsTotal.WithLabelValues("ebur128", "error").Inc()
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return Loudness{}, fmt.Errorf("loudness %s: %w: %v: %s", key, domain.ErrAnalysisFailed, runErr, msg)
	}

	result := parseEBUR128Summary(stderr.String())
	result.StartTime = start
	result.Duration = duration
	if result.Integrated == nil && result.Range == nil {
		metrics.AnalysisRunsTotal.WithLabelValues("ebur128", "error").Inc()
		return Loudness{}, fmt.Errorf("loudness %s: summary not found in filter output: %w", key, domain.ErrAnalysisFailed)
	}
	metrics.AnalysisRunsTotal.WithLabelValues("ebur128", "ok").Inc()
	return result, nil
}

// parseEBUR128Summary extracts the final summary block the ebur128 filter
// prints on stderr. Lines look like "    I:         -23.1 LUFS".
// Unreadable fields stay nil.
func parseEBUR128Summary(output string) Loudness {
	var result Loudness
	inSummary := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(trimmed, "Summary:") {
			inSummary = true
			// Re-entering a summary resets state; only the last block counts.
			result = Loudness{}
			continue
		}
		if !inSummary {
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "I:"):
			result.Integrated = parseSummaryValue(trimmed, "I:")
		case strings.HasPrefix(trimmed, "LRA low:"):
			result.LRALow = parseSummaryValue(trimmed, "LRA low:")
		case strings.HasPrefix(trimmed, "LRA high:"):
			result.LRAHigh = parseSummaryValue(trimmed, "LRA high:")
		case strings.HasPrefix(trimmed, "LRA:"):
			result.Range = parseSummaryValue(trimmed, "LRA:")
		case strings.HasPrefix(trimmed, "Threshold:"):
			// The first Threshold belongs to integrated loudness; the
			// loudness-range block repeats the label.
			if result.Threshold == nil {
				result.Threshold = parseSummaryValue(trimmed, "Threshold:")
			}
		}
	}
	return result
}

func parseSummaryValue(line, label string) *float64 {
	rest := strings.TrimSpace(strings.TrimPrefix(line, label))
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	return &v
}
