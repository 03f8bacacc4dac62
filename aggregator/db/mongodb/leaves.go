package mongodb

import (
	"context"
	"math/big"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"

	"github.com/unicitylabs/aggregator/aggregator/smt"
)

// PutLeaf persists a single tree leaf.
func (s *Store) PutLeaf(ctx context.Context, leaf *smt.Leaf) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.PutLeaf")
	defer span.End()
	return s.PutLeafBatch(ctx, []*smt.Leaf{leaf})
}

// PutLeafBatch persists leaves with monotonic sequence ids so followers can
// replay them in insertion order. Re-inserting an existing path is a silent
// no-op; leaf values are immutable once written.
func (s *Store) PutLeafBatch(ctx context.Context, leaves []*smt.Leaf) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.PutLeafBatch")
	defer span.End()
	if len(leaves) == 0 {
		return nil
	}
	first, err := s.nextSequenceRange(ctx, leavesCollection, len(leaves))
	if err != nil {
		return err
	}
	docs := make([]interface{}, len(leaves))
	for i, leaf := range leaves {
		docs[i] = newLeafDoc(leaf, first+uint64(i))
	}
	_, err = s.leaves.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return errors.Wrap(err, "could not insert leaves")
	}
	return nil
}

// LeavesByPaths returns the present subset of the requested paths.
func (s *Store) LeavesByPaths(ctx context.Context, paths []*big.Int) ([]*smt.Leaf, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.LeavesByPaths")
	defer span.End()
	if len(paths) == 0 {
		return nil, nil
	}
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = leafPathKey(p)
	}
	cur, err := s.leaves.Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, errors.Wrap(err, "could not query leaves")
	}
	defer func() {
		if err := cur.Close(ctx); err != nil {
			log.WithError(err).Debug("Could not close leaf cursor")
		}
	}()
	var out []*smt.Leaf
	for cur.Next(ctx) {
		var doc leafDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "could not decode leaf")
		}
		leaf, err := doc.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, leaf)
	}
	return out, cur.Err()
}

// AllLeavesInChunks streams every leaf in sequence id order, in chunks of up
// to chunkSize. Used to rebuild the tree on startup.
func (s *Store) AllLeavesInChunks(ctx context.Context, chunkSize int, fn func(leaves []*smt.Leaf) error) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.AllLeavesInChunks")
	defer span.End()
	cur, err := s.leaves.Find(ctx, bson.M{},
		options.Find().
			SetSort(bson.D{{Key: "sequenceId", Value: 1}}).
			SetBatchSize(int32(chunkSize)),
	)
	if err != nil {
		return errors.Wrap(err, "could not stream leaves")
	}
	defer func() {
		if err := cur.Close(ctx); err != nil {
			log.WithError(err).Debug("Could not close leaf cursor")
		}
	}()
	chunk := make([]*smt.Leaf, 0, chunkSize)
	for cur.Next(ctx) {
		var doc leafDoc
		if err := cur.Decode(&doc); err != nil {
			return errors.Wrap(err, "could not decode leaf")
		}
		leaf, err := doc.decode()
		if err != nil {
			return err
		}
		chunk = append(chunk, leaf)
		if len(chunk) == chunkSize {
			if err := fn(chunk); err != nil {
				return err
			}
			chunk = make([]*smt.Leaf, 0, chunkSize)
		}
	}
	if err := cur.Err(); err != nil {
		return errors.Wrap(err, "leaf stream failed")
	}
	if len(chunk) > 0 {
		return fn(chunk)
	}
	return nil
}
