package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/eyevinn-osaas/web-video-review/internal/domain"
)

type historyDoc struct {
	ID       string    `bson:"_id"`
	LoadedAt time.Time `bson:"loadedAt"`
	Duration float64   `bson:"duration"`
}

// HistoryRepository records which assets were loaded for review, one
// document per key.
type HistoryRepository struct {
	collection *mongo.Collection
}

func NewHistoryRepository(client *mongo.Client, dbName string) *HistoryRepository {
	return &HistoryRepository{collection: client.Database(dbName).Collection("review_history")}
}

func (r *HistoryRepository) Upsert(ctx context.Context, entry domain.ReviewEntry) error {
	update := bson.M{
		"$set": bson.M{
			"loadedAt": entry.LoadedAt.UTC(),
			"duration": entry.Duration,
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": string(entry.Key)},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *HistoryRepository) ListRecent(ctx context.Context, limit int) ([]domain.ReviewEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "loadedAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []historyDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	entries := make([]domain.ReviewEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, domain.ReviewEntry{
			Key:      domain.AssetKey(doc.ID),
			LoadedAt: doc.LoadedAt,
			Duration: doc.Duration,
		})
	}
	return entries, nil
}
