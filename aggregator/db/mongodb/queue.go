package mongodb

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"

	"github.com/unicitylabs/aggregator/aggregator/types"
)

// PutCommitment appends a validated commitment to the pending queue.
func (s *Store) PutCommitment(ctx context.Context, c *types.Commitment) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.PutCommitment")
	defer span.End()
	if _, err := s.commitments.InsertOne(ctx, newCommitmentDoc(c)); err != nil {
		return errors.Wrap(err, "could not enqueue commitment")
	}
	return nil
}

// DrainForBlock marks every pending entry as processing and returns the full
// processing set in insertion order. Entries a crashed leader left in the
// processing state are returned again, so a round retried after a crash
// includes them.
func (s *Store) DrainForBlock(ctx context.Context) ([]*types.Commitment, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.DrainForBlock")
	defer span.End()
	_, err := s.commitments.UpdateMany(ctx,
		bson.M{"state": statePending},
		bson.M{"$set": bson.M{"state": stateProcessing}},
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not mark commitments processing")
	}
	cur, err := s.commitments.Find(ctx,
		bson.M{"state": stateProcessing},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not read processing commitments")
	}
	defer func() {
		if err := cur.Close(ctx); err != nil {
			log.WithError(err).Debug("Could not close commitment cursor")
		}
	}()
	var out []*types.Commitment
	for cur.Next(ctx) {
		var doc commitmentDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "could not decode commitment")
		}
		c, err := doc.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

// ConfirmBlockProcessed deletes all processing entries.
func (s *Store) ConfirmBlockProcessed(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.ConfirmBlockProcessed")
	defer span.End()
	_, err := s.commitments.DeleteMany(ctx, bson.M{"state": stateProcessing})
	return errors.Wrap(err, "could not confirm processed commitments")
}
