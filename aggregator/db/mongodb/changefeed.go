package mongodb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/unicitylabs/aggregator/aggregator/types"
)

// changeStreamHistoryLost is the server error code raised when the oplog no
// longer covers the stored resume token.
const changeStreamHistoryLost = 286

const (
	feedInitialBackoff = time.Second
	feedMaxBackoff     = 30 * time.Second
)

// SubscribeBlockRecords tails block records inserts in commit order until
// the context finishes or the handler returns an error.
//
// Delivery resumes from the stream's stored cursor when one exists,
// otherwise from the subscription time. The cursor is checkpointed only
// after the handler returns nil, so a crash mid-event redelivers it.
// Transport failures reconnect with bounded backoff; a lost oplog history
// drops the cursor and restarts from now, which the handler must tolerate
// by treating the gap as missed events.
func (s *Store) SubscribeBlockRecords(ctx context.Context, streamID string, onEvent func(ctx context.Context, br *types.BlockRecords) error) error {
	startAt := &primitive.Timestamp{T: uint32(time.Now().Unix())}
	backoff := feedInitialBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		token, err := s.ResumeCursor(ctx, streamID)
		if err != nil {
			log.WithError(err).Error("Could not load change feed cursor")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		opts := options.ChangeStream()
		if token != nil {
			opts.SetResumeAfter(bson.Raw(token))
		} else {
			opts.SetStartAtOperationTime(startAt)
		}
		pipeline := mongo.Pipeline{
			bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: "insert"}}}},
		}
		stream, err := s.blockRecords.Watch(ctx, pipeline, opts)
		if err != nil {
			if isHistoryLost(err) {
				log.WithField("stream", streamID).Warn("Change feed history lost, restarting from current time")
				if err := s.ClearResumeCursor(ctx, streamID); err != nil {
					log.WithError(err).Error("Could not clear change feed cursor")
				}
				startAt = &primitive.Timestamp{T: uint32(time.Now().Unix())}
				continue
			}
			log.WithError(err).Error("Could not open change feed")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		err = s.consumeStream(ctx, stream, streamID, onEvent)
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := stream.Close(closeCtx); cerr != nil {
			log.WithError(cerr).Debug("Could not close change feed")
		}
		cancel()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		streamErr := stream.Err()
		if isHistoryLost(streamErr) {
			log.WithField("stream", streamID).Warn("Change feed history lost, restarting from current time")
			if err := s.ClearResumeCursor(ctx, streamID); err != nil {
				log.WithError(err).Error("Could not clear change feed cursor")
			}
			startAt = &primitive.Timestamp{T: uint32(time.Now().Unix())}
			backoff = feedInitialBackoff
			continue
		}
		if streamErr != nil {
			log.WithError(streamErr).Error("Change feed disconnected, reconnecting")
		}
		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

// consumeStream delivers events until the stream breaks. It returns non-nil
// only when the handler rejects an event, which ends the subscription.
func (s *Store) consumeStream(
	ctx context.Context,
	stream *mongo.ChangeStream,
	streamID string,
	onEvent func(ctx context.Context, br *types.BlockRecords) error,
) error {
	for stream.Next(ctx) {
		var ev struct {
			FullDocument blockRecordsDoc `bson:"fullDocument"`
		}
		if err := stream.Decode(&ev); err != nil {
			log.WithError(err).Error("Could not decode change feed event")
			continue
		}
		br, err := ev.FullDocument.decode()
		if err != nil {
			log.WithError(err).Error("Malformed block records event")
			continue
		}
		if err := onEvent(ctx, br); err != nil {
			return errors.Wrap(err, "change feed handler failed")
		}
		if err := s.SaveResumeCursor(ctx, streamID, stream.ResumeToken()); err != nil {
			log.WithError(err).Error("Could not checkpoint change feed cursor")
		}
	}
	return nil
}

func isHistoryLost(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(changeStreamHistoryLost)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > feedMaxBackoff {
		return feedMaxBackoff
	}
	return d
}

// sleepCtx waits for d, returning false when ctx finishes first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
