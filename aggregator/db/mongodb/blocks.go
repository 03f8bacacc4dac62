package mongodb

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"

	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/types"
)

// NextBlockNumber returns 1 + the highest stored index, or 1 when empty.
func (s *Store) NextBlockNumber(ctx context.Context) (uint64, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.NextBlockNumber")
	defer span.End()
	latest, err := s.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 1, nil
	}
	return latest.Index + 1, nil
}

// PutBlock appends the block at the chain tip. The block index is the
// document id, so two leaders racing on the same index resolve on the unique
// index: the loser observes ErrBlockOutOfOrder.
func (s *Store) PutBlock(ctx context.Context, b *types.Block) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.PutBlock")
	defer span.End()
	next, err := s.NextBlockNumber(ctx)
	if err != nil {
		return err
	}
	if b.Index != next {
		return errors.Wrapf(iface.ErrBlockOutOfOrder, "index %d, next is %d", b.Index, next)
	}
	if _, err := s.blocks.InsertOne(ctx, newBlockDoc(b)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Wrapf(iface.ErrBlockOutOfOrder, "index %d already sealed", b.Index)
		}
		return errors.Wrap(err, "could not insert block")
	}
	return nil
}

// Block returns the block at the given index, or nil when absent.
func (s *Store) Block(ctx context.Context, index uint64) (*types.Block, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.Block")
	defer span.End()
	var doc blockDoc
	err := s.blocks.FindOne(ctx, bson.M{"_id": int64(index)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read block")
	}
	return doc.decode()
}

// LatestBlock returns the highest block, or nil on an empty chain.
func (s *Store) LatestBlock(ctx context.Context) (*types.Block, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.LatestBlock")
	defer span.End()
	var doc blockDoc
	err := s.blocks.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read latest block")
	}
	return doc.decode()
}
