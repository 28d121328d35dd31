package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/eyevinn-osaas/web-video-review/internal/app"
)

const reviewSettingsID = "review"

type reviewSettingsDoc struct {
	ID              string `bson:"_id"`
	SegmentDuration int    `bson:"segmentDuration"`
	Goniometer      bool   `bson:"goniometer"`
}

// ReviewSettingsRepository persists the single review-settings document.
type ReviewSettingsRepository struct {
	collection *mongo.Collection
}

func NewReviewSettingsRepository(client *mongo.Client, dbName string) *ReviewSettingsRepository {
	return &ReviewSettingsRepository{collection: client.Database(dbName).Collection("settings")}
}

func (r *ReviewSettingsRepository) GetReviewSettings(ctx context.Context) (app.ReviewSettings, bool, error) {
	var doc reviewSettingsDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": reviewSettingsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return app.ReviewSettings{}, false, nil
		}
		return app.ReviewSettings{}, false, err
	}
	return app.ReviewSettings{
		SegmentDuration: doc.SegmentDuration,
		Goniometer:      doc.Goniometer,
	}, true, nil
}

func (r *ReviewSettingsRepository) SetReviewSettings(ctx context.Context, settings app.ReviewSettings) error {
	update := bson.M{
		"$set": bson.M{
			"segmentDuration": settings.SegmentDuration,
			"goniometer":      settings.Goniometer,
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": reviewSettingsID},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}
