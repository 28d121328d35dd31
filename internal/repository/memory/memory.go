// Package memory holds process-local fallbacks for the Mongo
// repositories, used when no MONGO_URI is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/eyevinn-osaas/web-video-review/internal/app"
	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

type ReviewSettingsRepository struct {
	mu       sync.Mutex
	settings app.ReviewSettings
	found    bool
}

func NewReviewSettingsRepository() *ReviewSettingsRepository {
	return &ReviewSettingsRepository{}
}

func (r *ReviewSettingsRepository) GetReviewSettings(ctx context.Context) (app.ReviewSettings, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings, r.found, nil
}

func (r *ReviewSettingsRepository) SetReviewSettings(ctx context.Context, settings app.ReviewSettings) error {
	r.mu.Lock()
	r.settings = settings
	r.found = true
	r.mu.Unlock()
	return nil
}

type HistoryRepository struct {
	mu      sync.Mutex
	entries map[domain.AssetKey]domain.ReviewEntry
}

func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{entries: make(map[domain.AssetKey]domain.ReviewEntry)}
}

func (r *HistoryRepository) Upsert(ctx context.Context, entry domain.ReviewEntry) error {
	r.mu.Lock()
	r.entries[entry.Key] = entry
	r.mu.Unlock()
	return nil
}

func (r *HistoryRepository) ListRecent(ctx context.Context, limit int) ([]domain.ReviewEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.Lock()
	entries := make([]domain.ReviewEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LoadedAt.After(entries[j].LoadedAt)
	})
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}
