package mongodb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"
)

type cursorDoc struct {
	StreamID  string    `bson:"_id"`
	Token     []byte    `bson:"token"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// ResumeCursor returns the stored resume token of the stream, or nil when
// the stream has never checkpointed.
func (s *Store) ResumeCursor(ctx context.Context, streamID string) ([]byte, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.ResumeCursor")
	defer span.End()
	var doc cursorDoc
	err := s.resumeTokens.FindOne(ctx, bson.M{"_id": streamID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read resume cursor")
	}
	return doc.Token, nil
}

// SaveResumeCursor checkpoints the stream's resume token.
func (s *Store) SaveResumeCursor(ctx context.Context, streamID string, token []byte) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.SaveResumeCursor")
	defer span.End()
	_, err := s.resumeTokens.UpdateOne(ctx,
		bson.M{"_id": streamID},
		bson.M{"$set": bson.M{"token": token, "updatedAt": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	return errors.Wrap(err, "could not save resume cursor")
}

// ClearResumeCursor drops the stream's checkpoint, forcing the next
// subscription to start fresh.
func (s *Store) ClearResumeCursor(ctx context.Context, streamID string) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.ClearResumeCursor")
	defer span.End()
	_, err := s.resumeTokens.DeleteOne(ctx, bson.M{"_id": streamID})
	return errors.Wrap(err, "could not clear resume cursor")
}
