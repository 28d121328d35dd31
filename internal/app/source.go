package app

import (
	"context"
	"time"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
	"github.com/eyevinn-osaas/web-video-review/internal/objectstore"
)

// LocalSource is the cache-side view the resolver needs.
type LocalSource interface {
	Entry(key domain.AssetKey) (path string, partial bool, ok bool)
}

// RemoteSource is the object-store side: existence and credential checks
// plus presigned URLs for direct remote input.
type RemoteSource interface {
	Head(ctx context.Context, key domain.AssetKey) (objectstore.ObjectInfo, error)
	PresignGet(key domain.AssetKey, expiry time.Duration) (string, error)
}

// SourceResolver maps an asset key to an ffmpeg-readable input. The local
// copy wins whenever one exists on disk, partial included; ffmpeg tolerates
// a growing file. Remote resolution heads the object first so missing keys
// and rejected credentials surface as domain errors instead of a presigned
// URL that fails later inside the child process.
func SourceResolver(cache LocalSource, store RemoteSource) func(ctx context.Context, key domain.AssetKey) (string, error) {
	return func(ctx context.Context, key domain.AssetKey) (string, error) {
		if cache != nil {
			if path, _, ok := cache.Entry(key); ok {
				return path, nil
			}
		}
		if _, err := store.Head(ctx, key); err != nil {
			return "", err
		}
		return store.PresignGet(key, time.Hour)
	}
}
