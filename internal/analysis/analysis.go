// Package analysis extracts audio waveform and loudness data from assets
// with one-shot ffmpeg runs. Results are memoized per key and parameters.
package analysis

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

// SourceFunc resolves a key to an ffmpeg input argument, local path or
// presigned URL.
type SourceFunc func(ctx context.Context, key domain.AssetKey) (string, error)

// MediaProber supplies stream metadata for filter construction.
type MediaProber interface {
	Probe(ctx context.Context, key domain.AssetKey) (domain.ProbeRecord, error)
}

const (
	resultTTL       = time.Hour
	analysisTimeout = 5 * time.Minute
)

// Waveform is the per-bucket RMS envelope of an asset's audio.
type Waveform struct {
	Duration         float64   `json:"duration"`
	Samples          []float64 `json:"samples"`
	SampleRate       int       `json:"sampleRate"`
	HasAudio         bool      `json:"hasAudio"`
	SamplesPerSecond float64   `json:"samplesPerSecond,omitempty"`
}

// Loudness is the parsed EBU R128 summary for one window. Fields the
// summary did not carry stay nil.
type Loudness struct {
	Integrated *float64 `json:"integrated,omitempty"`
	Range      *float64 `json:"range,omitempty"`
	LRALow     *float64 `json:"lraLow,omitempty"`
	LRAHigh    *float64 `json:"lraHigh,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty"`
	StartTime  float64  `json:"startTime"`
	Duration   float64  `json:"duration"`
}

type cachedResult struct {
	value   any
	expires time.Time
}

type Analyzer struct {
	ffmpegPath string
	source     SourceFunc
	prober     MediaProber
	logger     *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	results map[string]cachedResult
}

func New(ffmpegPath string, source SourceFunc, prober MediaProber, logger *slog.Logger) *Analyzer {
	bin := strings.TrimSpace(ffmpegPath)
	if bin == "" {
		bin = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		ffmpegPath: bin,
		source:     source,
		prober:     prober,
		logger:     logger,
		results:    make(map[string]cachedResult),
	}
}

// Invalidate drops every memoized result for key, called when the key's
// session is evicted.
func (a *Analyzer) Invalidate(key domain.AssetKey) {
	prefix := string(key) + "|"
	a.mu.Lock()
	for k := range a.results {
		if strings.HasPrefix(k, prefix) {
			delete(a.results, k)
		}
	}
	a.mu.Unlock()
}

func (a *Analyzer) cached(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.results[key]
	if !ok || time.Now().After(res.expires) {
		delete(a.results, key)
		return nil, false
	}
	return res.value, true
}

func (a *Analyzer) store(key string, value any) {
	a.mu.Lock()
	a.results[key] = cachedResult{value: value, expires: time.Now().Add(resultTTL)}
	a.mu.Unlock()
}

// memoized runs fn at most once per cache key across concurrent callers.
func (a *Analyzer) memoized(cacheKey string, fn func() (any, error)) (any, error) {
	if v, ok := a.cached(cacheKey); ok {
		return v, nil
	}
	v, err, _ := a.group.Do(cacheKey, func() (any, error) {
		if v, ok := a.cached(cacheKey); ok {
			return v, nil
		}
		v, err := fn()
		if err != nil {
			return nil, err
		}
		a.store(cacheKey, v)
		return v, nil
	})
	return v, err
}
