package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/curaline/telecare/internal/models"
)

type EventRepository interface {
	Insert(ctx context.Context, e *models.MediaEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.MediaEvent, error)
}

type eventRepo struct {
	col *mongo.Collection
}

func NewEventRepo(db *mongo.Database) EventRepository {
	return &eventRepo{col: db.Collection("media_events")}
}

func (r *eventRepo) Insert(ctx context.Context, e *models.MediaEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, e)
	return err
}

func (r *eventRepo) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.MediaEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	cur, err := r.col.Find(ctx,
		bson.M{"session_id": sessionID},
		options.Find().
			SetSort(bson.D{{Key: "timestamp", Value: 1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.MediaEvent
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
