// Package audit archives change-feed events to MongoDB so an organization's
// appointment activity can be inspected after the fact.
package audit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/feed"
)

type Logger struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

func NewLogger(client *mongo.Client, database string, logger *zap.Logger) *Logger {
	return &Logger{
		collection: client.Database(database).Collection("appointment_events"),
		logger:     logger,
	}
}

// Record persists one event. Failures are logged, not propagated: the audit
// trail is best-effort and must never fail a mutation.
func (l *Logger) Record(ctx context.Context, event feed.Event) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := l.collection.InsertOne(ctx, event); err != nil {
		l.logger.Error("failed to record audit event",
			zap.String("org_id", event.OrgID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

// List returns the most recent events for an organization, newest first.
func (l *Logger) List(ctx context.Context, orgID string, limit int64) ([]feed.Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "occurred_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := l.collection.Find(ctx, bson.M{"org_id": orgID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit events")
	}
	defer cursor.Close(ctx)

	events := []feed.Event{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, errors.Wrap(err, "failed to decode audit events")
	}
	return events, nil
}
