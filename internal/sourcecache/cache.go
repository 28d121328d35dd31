// Package sourcecache maintains local copies of store objects, downloaded
// progressively so playback can start before the transfer finishes.
package sourcecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/metrics"
)

// Signer issues time-limited GET URLs for store objects.
type Signer interface {
	PresignGet(key domain.AssetKey, expiry time.Duration) (string, error)
}

// BitrateHint supplies a bits-per-second estimate for one asset, used to
// convert a "seconds needed" requirement into bytes. Implemented by the
// probe layer.
type BitrateHint func(ctx context.Context, key domain.AssetKey) int64

type Config struct {
	Dir      string
	MaxBytes int64
	Enabled  bool
}

// Progress reports the state of one asset's local copy.
type Progress struct {
	BytesHave  int64     `json:"bytesHave"`
	BytesTotal int64     `json:"bytesTotal,omitempty"`
	Complete   bool      `json:"complete"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
}

type entry struct {
	path          string
	size          int64
	total         int64 // 0 while unknown
	partial       bool
	firstDownload time.Time
	lastAccess    time.Time
}

const (
	defaultMaxBytes  int64 = 10 << 30
	evictTargetRatio       = 0.8
	// needBytesMultiplier pads the seconds-to-bytes conversion for decoder
	// lookahead on variable-bitrate sources.
	needBytesMultiplier = 2.0
	progressiveWait     = 30 * time.Second
	stallTimeout        = 5 * time.Minute
	signalEvery         = 1 << 20
)

type Cache struct {
	dir      string
	maxBytes int64
	enabled  bool
	signer   Signer
	bitrate  BitrateHint
	pinned   func(domain.AssetKey) bool
	logger   *slog.Logger

	mu        sync.Mutex
	entries   map[domain.AssetKey]*entry
	downloads map[domain.AssetKey]*downloadTask
	evicting  bool
}

func New(cfg Config, signer Signer, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Clean(cfg.Dir)
	if cfg.Enabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sourcecache: create dir: %w: %v", domain.ErrIO, err)
		}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	c := &Cache{
		dir:       dir,
		maxBytes:  maxBytes,
		enabled:   cfg.Enabled,
		signer:    signer,
		logger:    logger,
		entries:   make(map[domain.AssetKey]*entry),
		downloads: make(map[domain.AssetKey]*downloadTask),
	}
	if cfg.Enabled {
		c.rebuild()
	}
	return c, nil
}

// SetBitrateHint wires the probe-backed bitrate estimator. Set once at
// startup, before any Ensure call with a seconds requirement.
func (c *Cache) SetBitrateHint(hint BitrateHint) { c.bitrate = hint }

// SetPinned wires the "is this key backing a live session" check used to
// protect files from eviction.
func (c *Cache) SetPinned(pinned func(domain.AssetKey) bool) { c.pinned = pinned }

func (c *Cache) Enabled() bool { return c.enabled }

// LocalPath derives the on-disk location for a key. The name is the key's
// SHA-256 so arbitrary store keys cannot escape the cache directory.
func (c *Cache) LocalPath(key domain.AssetKey) string {
	sum := sha256.Sum256([]byte(key))
	ext := filepath.Ext(string(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+ext)
}

// rebuild re-indexes files left over from a previous run. Files without a
// completed-size marker are treated as complete; a stale partial file is
// re-downloaded on first Ensure because its size check will fail.
func (c *Cache) rebuild() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	var total int64
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	metrics.SourceCacheSizeBytes.Set(float64(total))
	if total > 0 {
		c.logger.Info("source cache indexed",
			slog.Int("files", len(entries)),
			slog.Int64("bytes", total),
		)
	}
}

// Ensure returns a local path holding at least needSecs seconds of content
// from the start of the source, or the complete file when needSecs is nil.
// It starts a download when none is running and may return long before the
// download finishes.
func (c *Cache) Ensure(ctx context.Context, key domain.AssetKey, needSecs *float64) (string, error) {
	if !c.enabled {
		return "", fmt.Errorf("sourcecache: disabled: %w", domain.ErrIO)
	}
	path := c.LocalPath(key)

	c.mu.Lock()
	ent := c.entries[key]
	if ent == nil {
		// Adopt a file already on disk from a previous run.
		if info, err := os.Stat(path); err == nil {
			ent = &entry{
				path:          path,
				size:          info.Size(),
				total:         info.Size(),
				firstDownload: info.ModTime(),
				lastAccess:    time.Now(),
			}
			c.entries[key] = ent
		}
	}
	if ent != nil && !ent.partial {
		ent.lastAccess = time.Now()
		c.mu.Unlock()
		return path, nil
	}
	task := c.downloads[key]
	if task == nil {
		var err error
		task, err = c.startDownloadLocked(key, path)
		if err != nil {
			c.mu.Unlock()
			return "", err
		}
	}
	c.mu.Unlock()

	needBytes := int64(-1)
	if needSecs != nil {
		needBytes = c.requiredBytes(ctx, key, *needSecs)
	}
	return c.waitForBytes(ctx, key, task, needBytes)
}

// requiredBytes converts a seconds requirement into an on-disk byte
// threshold using the best available bitrate estimate.
func (c *Cache) requiredBytes(ctx context.Context, key domain.AssetKey, needSecs float64) int64 {
	var bps int64 = 8_000_000
	if c.bitrate != nil {
		if est := c.bitrate(ctx, key); est > 0 {
			bps = est
		}
	}
	return int64(needSecs * float64(bps) / 8 * needBytesMultiplier)
}

// waitForBytes blocks until the task holds needBytes on disk (or completes
// when needBytes < 0). After the progressive-wait ceiling it stops
// re-evaluating the partial threshold and waits for full completion.
func (c *Cache) waitForBytes(ctx context.Context, key domain.AssetKey, task *downloadTask, needBytes int64) (string, error) {
	deadline := time.Now().Add(progressiveWait)

	// Wake the condition waiter when the request context goes away.
	stop := context.AfterFunc(ctx, func() {
		task.mu.Lock()
		task.cond.Broadcast()
		task.mu.Unlock()
	})
	defer stop()

	// Lock order is c.mu before task.mu everywhere, so task.mu must be
	// released before touching the entry table.
	task.mu.Lock()
	for {
		if task.done {
			err := task.err
			task.mu.Unlock()
			if err != nil {
				return "", err
			}
			c.touch(key)
			return task.path, nil
		}
		if ctx.Err() != nil {
			task.mu.Unlock()
			return "", fmt.Errorf("sourcecache: %s: %w", key, domain.ErrCancelled)
		}
		if needBytes >= 0 {
			have := task.bytes
			want := needBytes
			if task.total > 0 && want > task.total {
				want = task.total
			}
			if have >= want {
				task.mu.Unlock()
				c.touch(key)
				return task.path, nil
			}
			if time.Now().After(deadline) {
				// Progressive wait expired; fall through to full completion.
				needBytes = -1
			}
		}
		task.cond.Wait()
	}
}

func (c *Cache) touch(key domain.AssetKey) {
	c.mu.Lock()
	if ent := c.entries[key]; ent != nil {
		ent.lastAccess = time.Now()
	}
	c.mu.Unlock()
}

// Progress reports download state for one key. Keys with neither an entry
// nor a task report zero values.
func (c *Cache) Progress(key domain.AssetKey) Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task := c.downloads[key]; task != nil {
		task.mu.Lock()
		p := Progress{
			BytesHave:  task.bytes,
			BytesTotal: task.total,
			StartedAt:  task.startedAt,
		}
		task.mu.Unlock()
		return p
	}
	if ent := c.entries[key]; ent != nil {
		return Progress{
			BytesHave:  ent.size,
			BytesTotal: ent.total,
			Complete:   !ent.partial,
			StartedAt:  ent.firstDownload,
		}
	}
	return Progress{}
}

// Entry returns the local path and partial flag for a key, without starting
// anything. ok is false when no local copy exists at all.
func (c *Cache) Entry(key domain.AssetKey) (path string, partial bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent := c.entries[key]
	if ent == nil {
		return "", false, false
	}
	ent.lastAccess = time.Now()
	return ent.path, ent.partial, true
}

// Abort cancels the download task for key, if any, failing its waiters.
// The local file is removed; partial data is useless once the task dies.
func (c *Cache) Abort(key domain.AssetKey) {
	c.mu.Lock()
	task := c.downloads[key]
	c.mu.Unlock()
	if task != nil {
		task.cancel()
	}
}

// AbortAll cancels every running download.
func (c *Cache) AbortAll() {
	c.mu.Lock()
	tasks := make([]*downloadTask, 0, len(c.downloads))
	for _, t := range c.downloads {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
}

// EvictLRU deletes complete, unpinned files in last-access order until the
// cache total drops to the eviction target. Runs at most once at a time.
func (c *Cache) EvictLRU() {
	c.mu.Lock()
	if c.evicting {
		c.mu.Unlock()
		return
	}
	c.evicting = true

	var total int64
	type candidate struct {
		key domain.AssetKey
		ent *entry
	}
	var candidates []candidate
	for key, ent := range c.entries {
		total += ent.size
		if ent.partial {
			continue
		}
		if c.pinned != nil && c.pinned(key) {
			continue
		}
		candidates = append(candidates, candidate{key, ent})
	}
	if total <= c.maxBytes {
		c.evicting = false
		c.mu.Unlock()
		metrics.SourceCacheSizeBytes.Set(float64(total))
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ent.lastAccess.Before(candidates[j].ent.lastAccess)
	})
	target := int64(float64(c.maxBytes) * evictTargetRatio)
	var victims []candidate
	for _, cand := range candidates {
		if total <= target {
			break
		}
		total -= cand.ent.size
		delete(c.entries, cand.key)
		victims = append(victims, cand)
	}
	c.evicting = false
	c.mu.Unlock()

	for _, v := range victims {
		if err := os.Remove(v.ent.path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("source cache evict failed",
				slog.String("key", string(v.key)),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.SourceCacheEvictionsTotal.Inc()
		c.logger.Info("source cache evicted",
			slog.String("key", string(v.key)),
			slog.Int64("bytes", v.ent.size),
		)
	}
	metrics.SourceCacheSizeBytes.Set(float64(total))
}

// TotalBytes sums the sizes of all indexed local files.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, ent := range c.entries {
		total += ent.size
	}
	return total
}
