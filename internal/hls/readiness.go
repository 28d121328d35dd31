package hls

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	readyPollInterval   = 100 * time.Millisecond
	defaultMinSegments  = 2
	defaultReadyTimeout = 30 * time.Second
	shortAssetTimeout   = 10 * time.Second
)

// waitReady blocks until minSegments contiguous segment files exist in dir,
// all expected segments exist, or the deadline passes. It returns the
// contiguous segment count observed last. The gate never fails: on timeout
// the caller serves whatever partial playlist exists.
func waitReady(ctx context.Context, dir string, minSegments int, timeout time.Duration, expectedTotal int) int {
	if minSegments <= 0 {
		minSegments = defaultMinSegments
	}
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	// Short assets cannot produce minSegments at all; shrink both the
	// requirement and the wait.
	if expectedTotal > 0 && expectedTotal <= 2 {
		minSegments = (expectedTotal + 1) / 2
		if timeout > shortAssetTimeout {
			timeout = shortAssetTimeout
		}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	count := contiguousSegments(dir)
	for {
		if count >= minSegments {
			return count
		}
		if expectedTotal > 0 && count >= expectedTotal {
			return count
		}
		if time.Now().After(deadline) {
			return count
		}
		select {
		case <-ctx.Done():
			return count
		case <-ticker.C:
			count = contiguousSegments(dir)
		}
	}
}

// contiguousSegments counts segment000.ts, segment001.ts, ... without gaps.
func contiguousSegments(dir string) int {
	n := 0
	for {
		if !fileExists(filepath.Join(dir, segmentName(n))) {
			return n
		}
		n++
	}
}

func segmentName(index int) string {
	return fmt.Sprintf("segment%03d.ts", index)
}

func thumbName(index int) string {
	return fmt.Sprintf("thumb%03d.jpg", index)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
