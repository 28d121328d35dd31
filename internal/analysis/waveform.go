package analysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/metrics"
)

const (
	waveformSampleRate = 8000
	defaultBuckets     = 1000
	// Compressor ahead of the resample lifts low-amplitude detail so quiet
	// passages stay visible in the rendered envelope.
	waveformCompand = "compand=attacks=0.3:decays=0.8:points=-70/-40|-30/-15|0/0"
)

// Waveform computes the RMS envelope of key's audio in buckets equal
// slices. Assets without audio return an empty record, not an error.
func (a *Analyzer) Waveform(ctx context.Context, key domain.AssetKey, buckets int) (Waveform, error) {
	if buckets <= 0 {
		buckets = defaultBuckets
	}
	record, err := a.prober.Probe(ctx, key)
	if err != nil {
		return Waveform{}, fmt.Errorf("waveform probe %s: %w: %v", key, domain.ErrAnalysisFailed, err)
	}
	if !record.HasAudio() {
		return Waveform{
			Duration: record.Duration,
			Samples:  []float64{},
		}, nil
	}

	merged := record.MonoPair != nil && record.MonoPair.Compatible
	cacheKey := fmt.Sprintf("%s|waveform|%d|%t", key, buckets, merged)
	v, err := a.memoized(cacheKey, func() (any, error) {
		return a.runWaveform(ctx, key, record, buckets, merged)
	})
	if err != nil {
		return Waveform{}, err
	}
	return v.(Waveform), nil
}

func (a *Analyzer) runWaveform(ctx context.Context, key domain.AssetKey, record domain.ProbeRecord, buckets int, merged bool) (Waveform, error) {
	input, err := a.source(ctx, key)
	if err != nil {
		return Waveform{}, fmt.Errorf("waveform %s: %w: %v", key, domain.ErrAnalysisFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	var graph strings.Builder
	if merged {
		pair := record.MonoPair
		graph.WriteString(fmt.Sprintf("[0:a:%d][0:a:%d]amerge=inputs=2,", pair.FirstIndex, pair.SecondIndex))
	} else {
		graph.WriteString("[0:a:0]")
	}
	graph.WriteString(waveformCompand)
	graph.WriteString(fmt.Sprintf(",aresample=%d,aformat=sample_fmts=flt:channel_layouts=mono[pcm]", waveformSampleRate))

	cmd := exec.CommandContext(ctx, a.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-i", input,
		"-filter_complex", graph.String(),
		"-map", "[pcm]",
		"-f", "f32le",
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Waveform{}, fmt.Errorf("waveform %s: %w: %v", key, domain.ErrAnalysisFailed, err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.AnalysisRunsTotal.WithLabelValues("waveform", "error").Inc()
		return Waveform{}, fmt.Errorf("waveform %s: %w: %v", key, domain.ErrAnalysisFailed, err)
	}

	samples, total, readErr := bucketRMS(stdout, record.Duration, buckets)
	waitErr := cmd.Wait()
	metrics.AnalysisDuration.WithLabelValues("waveform").Observe(time.Since(started).Seconds())
	if readErr != nil || waitErr != nil {
		metrics.AnalysisRunsTotal.WithLabelValues("waveform", "error").Inc()
		msg := strings.TrimSpace(stderr.String())
		if readErr == nil {
			readErr = waitErr
		}
		return Waveform{}, fmt.Errorf("waveform %s: %w: %v: %s", key, domain.ErrAnalysisFailed, readErr, msg)
	}
	if total == 0 {
		metrics.AnalysisRunsTotal.WithLabelValues("waveform", "error").Inc()
		return Waveform{}, fmt.Errorf("waveform %s: no audio samples decoded: %w", key, domain.ErrAnalysisFailed)
	}
	metrics.AnalysisRunsTotal.WithLabelValues("waveform", "ok").Inc()

	w := Waveform{
		Duration:   record.Duration,
		Samples:    samples,
		SampleRate: waveformSampleRate,
		HasAudio:   true,
	}
	if record.Duration > 0 {
		w.SamplesPerSecond = float64(buckets) / record.Duration
	}
	return w, nil
}

// bucketRMS streams f32le PCM from r, partitioning samples into buckets
// equal slices by expected position and computing per-bucket
// sqrt(mean(x²)) clamped to [0,1]. Expected total comes from the probed
// duration; a short read just leaves trailing buckets at zero.
func bucketRMS(r io.Reader, duration float64, buckets int) ([]float64, int64, error) {
	expected := int64(duration * waveformSampleRate)
	if expected <= 0 {
		expected = 1
	}

	sumSquares := make([]float64, buckets)
	counts := make([]int64, buckets)

	br := bufio.NewReaderSize(r, 256<<10)
	buf := make([]byte, 4096)
	var leftover []byte
	var index int64
	for {
		n, err := br.Read(buf)
		if n > 0 {
			data := buf[:n]
			if len(leftover) > 0 {
				data = append(leftover, data...)
				leftover = nil
			}
			for len(data) >= 4 {
				bits := binary.LittleEndian.Uint32(data[:4])
				data = data[4:]
				sample := float64(math.Float32frombits(bits))
				if math.IsNaN(sample) || math.IsInf(sample, 0) {
					sample = 0
				}
				bucket := int(index * int64(buckets) / expected)
				if bucket >= buckets {
					bucket = buckets - 1
				}
				sumSquares[bucket] += sample * sample
				counts[bucket]++
				index++
			}
			if len(data) > 0 {
				leftover = append([]byte{}, data...)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, index, err
		}
	}

	samples := make([]float64, buckets)
	for i := range samples {
		if counts[i] == 0 {
			continue
		}
		rms := math.Sqrt(sumSquares[i] / float64(counts[i]))
		if rms > 1 {
			rms = 1
		}
		samples[i] = rms
	}
	return samples, index, nil
}
