package sourcecache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

type fakeSigner struct {
	url string
}

func (s *fakeSigner) PresignGet(key domain.AssetKey, expiry time.Duration) (string, error) {
	return s.url + "/" + string(key), nil
}

func newTestCache(t *testing.T, signer Signer, maxBytes int64) *Cache {
	t.Helper()
	c, err := New(Config{Dir: t.TempDir(), MaxBytes: maxBytes, Enabled: true}, signer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestLocalPathDerivation(t *testing.T) {
	c := newTestCache(t, nil, 0)

	p1 := c.LocalPath("clips/match day.mxf")
	p2 := c.LocalPath("clips/match day.mxf")
	if p1 != p2 {
		t.Fatalf("same key produced different paths: %q vs %q", p1, p2)
	}
	if filepath.Ext(p1) != ".mxf" {
		t.Fatalf("extension not preserved: %q", p1)
	}
	if filepath.Dir(p1) != c.dir {
		t.Fatalf("path escaped cache dir: %q", p1)
	}
	if p3 := c.LocalPath("clips/other.mxf"); p3 == p1 {
		t.Fatalf("distinct keys collided: %q", p3)
	}
	if strings.ContainsAny(filepath.Base(p1), " /") {
		t.Fatalf("derived name not sanitized: %q", p1)
	}
}

func TestEnsureDownloadsFullObject(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c := newTestCache(t, &fakeSigner{url: srv.URL}, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path, err := c.Ensure(ctx, "clips/a.mp4", nil)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("cached content mismatch: got %d bytes, want %d", len(got), len(payload))
	}
	p := c.Progress("clips/a.mp4")
	if !p.Complete || p.BytesHave != int64(len(payload)) {
		t.Fatalf("unexpected progress after completion: %+v", p)
	}
}

func TestEnsureReturnsCachedFileWithoutRedownload(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("content"))
	}))
	defer srv.Close()

	c := newTestCache(t, &fakeSigner{url: srv.URL}, 0)
	ctx := context.Background()

	if _, err := c.Ensure(ctx, "clips/b.mp4", nil); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if _, err := c.Ensure(ctx, "clips/b.mp4", nil); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected a single origin fetch, got %d", hits)
	}
}

func TestEnsurePartialThreshold(t *testing.T) {
	head := bytes.Repeat([]byte("x"), 3<<20)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4194304")
		_, _ = w.Write(head)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		_, _ = w.Write(bytes.Repeat([]byte("y"), 1<<20))
	}))
	defer srv.Close()
	defer close(release)

	c := newTestCache(t, &fakeSigner{url: srv.URL}, 0)
	// 10 seconds at 1 Mbit/s, doubled: 2.5 MiB, under the 3 MiB head.
	c.SetBitrateHint(func(ctx context.Context, key domain.AssetKey) int64 { return 1_000_000 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	need := 10.0
	path, err := c.Ensure(ctx, "clips/c.mp4", &need)
	if err != nil {
		t.Fatalf("Ensure with partial threshold: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat partial file: %v", err)
	}
	if info.Size() < 2<<20 {
		t.Fatalf("returned before threshold: %d bytes on disk", info.Size())
	}
	if _, partial, ok := c.Entry("clips/c.mp4"); !ok || !partial {
		t.Fatalf("entry should still be partial (ok=%v partial=%v)", ok, partial)
	}
}

func TestAbortFailsWaiters(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := newTestCache(t, &fakeSigner{url: srv.URL}, 0)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Ensure(context.Background(), "clips/d.mp4", nil)
		errCh <- err
	}()

	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		running := len(c.downloads) > 0
		c.mu.Unlock()
		if running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("download never started")
		case <-time.After(10 * time.Millisecond):
		}
	}
	c.Abort("clips/d.mp4")

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrCancelled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released after abort")
	}
}

func TestEvictLRU(t *testing.T) {
	c := newTestCache(t, nil, 100)

	mk := func(key domain.AssetKey, size int64, partial bool, age time.Duration) {
		path := c.LocalPath(key)
		if err := os.WriteFile(path, bytes.Repeat([]byte("z"), int(size)), 0o644); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
		c.mu.Lock()
		c.entries[key] = &entry{
			path:       path,
			size:       size,
			total:      size,
			partial:    partial,
			lastAccess: time.Now().Add(-age),
		}
		c.mu.Unlock()
	}
	mk("old.mp4", 60, false, time.Hour)
	mk("mid.mp4", 60, false, 30*time.Minute)
	mk("new.mp4", 60, false, time.Minute)
	mk("part.mp4", 60, true, 2*time.Hour)
	c.SetPinned(func(key domain.AssetKey) bool { return key == "mid.mp4" })

	c.EvictLRU()

	if _, _, ok := c.Entry("old.mp4"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, err := os.Stat(c.LocalPath("old.mp4")); !os.IsNotExist(err) {
		t.Fatalf("evicted file still on disk: %v", err)
	}
	for _, key := range []domain.AssetKey{"mid.mp4", "part.mp4"} {
		if _, _, ok := c.Entry(key); !ok {
			t.Fatalf("%s should have survived eviction", key)
		}
	}
}

func TestEnsureDisabled(t *testing.T) {
	c, err := New(Config{Dir: t.TempDir(), Enabled: false}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Ensure(context.Background(), "clips/e.mp4", nil); err == nil {
		t.Fatal("expected error from disabled cache")
	}
}
