package sourcecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/metrics"
)

// downloadTask is the single in-flight transfer for one key. Waiters block
// on cond, which is broadcast every signalEvery bytes and on completion.
type downloadTask struct {
	key       domain.AssetKey
	path      string
	startedAt time.Time
	cancel    context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	bytes   int64
	total   int64
	stalled bool
	done    bool
	err     error
}

func (t *downloadTask) advance(n int64, sinceSignal *int64) {
	t.mu.Lock()
	t.bytes += n
	*sinceSignal += n
	if *sinceSignal >= signalEvery {
		*sinceSignal = 0
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

func (t *downloadTask) finish(err error) {
	t.mu.Lock()
	t.done = true
	t.err = err
	t.cond.Broadcast()
	t.mu.Unlock()
}

// startDownloadLocked registers and launches the download goroutine for
// key. Caller holds c.mu.
func (c *Cache) startDownloadLocked(key domain.AssetKey, path string) (*downloadTask, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("sourcecache: no signer configured: %w", domain.ErrSourceUnavailable)
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &downloadTask{
		key:       key,
		path:      path,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	task.cond = sync.NewCond(&task.mu)
	c.downloads[key] = task

	now := time.Now()
	ent := c.entries[key]
	if ent == nil {
		ent = &entry{path: path, firstDownload: now}
		c.entries[key] = ent
	}
	ent.partial = true
	ent.lastAccess = now
	metrics.ActiveDownloads.Inc()

	go c.runDownload(ctx, task)
	return task, nil
}

func (c *Cache) runDownload(ctx context.Context, task *downloadTask) {
	err := c.download(ctx, task)
	if err != nil {
		// Partial data is unusable; remove it so the next Ensure restarts
		// from a clean slate.
		_ = os.Remove(task.path)
	}

	c.mu.Lock()
	delete(c.downloads, task.key)
	if err != nil {
		delete(c.entries, task.key)
	} else if ent := c.entries[task.key]; ent != nil {
		task.mu.Lock()
		ent.size = task.bytes
		ent.total = task.total
		task.mu.Unlock()
		ent.partial = false
	}
	c.mu.Unlock()
	metrics.ActiveDownloads.Dec()

	task.finish(err)

	if err == nil {
		c.logger.Info("download complete",
			slog.String("key", string(task.key)),
			slog.Int64("bytes", task.bytes),
			slog.Int64("durationMs", time.Since(task.startedAt).Milliseconds()),
		)
		c.EvictLRU()
		return
	}
	if errors.Is(err, domain.ErrCancelled) {
		c.logger.Info("download aborted", slog.String("key", string(task.key)))
		return
	}
	c.logger.Error("download failed",
		slog.String("key", string(task.key)),
		slog.String("error", err.Error()),
	)
}

func (c *Cache) download(ctx context.Context, task *downloadTask) error {
	url, err := c.signer.PresignGet(task.key, time.Hour)
	if err != nil {
		return fmt.Errorf("sourcecache: presign %s: %w: %v", task.key, domain.ErrSourceUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("sourcecache: %s: %w: %v", task.key, domain.ErrSourceUnavailable, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("sourcecache: %s: %w", task.key, domain.ErrCancelled)
		}
		return fmt.Errorf("sourcecache: %s: %w: %v", task.key, domain.ErrSourceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sourcecache: %s: %w: status %d", task.key, domain.ErrSourceUnavailable, resp.StatusCode)
	}

	task.mu.Lock()
	task.total = resp.ContentLength
	task.mu.Unlock()

	out, err := os.OpenFile(task.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sourcecache: %s: %w: %v", task.key, domain.ErrIO, err)
	}
	defer func() { _ = out.Close() }()

	// Stall watchdog: no forward progress for stallTimeout kills the task.
	stallCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		var lastBytes int64
		stalledSince := time.Now()
		for {
			select {
			case <-stallCtx.Done():
				return
			case <-ticker.C:
				task.mu.Lock()
				current := task.bytes
				task.mu.Unlock()
				if current != lastBytes {
					lastBytes = current
					stalledSince = time.Now()
					continue
				}
				if time.Since(stalledSince) >= stallTimeout {
					task.mu.Lock()
					task.stalled = true
					task.mu.Unlock()
					task.cancel()
					return
				}
			}
		}
	}()

	buf := make([]byte, 256<<10)
	var sinceSignal int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("sourcecache: %s: %w: %v", task.key, domain.ErrIO, writeErr)
			}
			task.advance(int64(n), &sinceSignal)
			metrics.DownloadBytesTotal.Add(float64(n))
		}
		if readErr == io.EOF {
			if syncErr := out.Sync(); syncErr != nil {
				return fmt.Errorf("sourcecache: %s: %w: %v", task.key, domain.ErrIO, syncErr)
			}
			task.mu.Lock()
			if task.total <= 0 {
				task.total = task.bytes
			}
			task.mu.Unlock()
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				task.mu.Lock()
				stalled := task.stalled
				task.mu.Unlock()
				if stalled {
					return fmt.Errorf("sourcecache: %s: download stalled: %w", task.key, domain.ErrTimeout)
				}
				return fmt.Errorf("sourcecache: %s: %w", task.key, domain.ErrCancelled)
			}
			return fmt.Errorf("sourcecache: %s: %w: %v", task.key, domain.ErrSourceUnavailable, readErr)
		}
	}
}
