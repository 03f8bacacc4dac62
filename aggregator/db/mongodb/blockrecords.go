package mongodb

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opencensus.io/trace"

	"github.com/unicitylabs/aggregator/aggregator/types"
)

// PutBlockRecords writes the admitted request id list of a block. The insert
// is what the change feed observes, so it must land after the block document
// in the same transaction.
func (s *Store) PutBlockRecords(ctx context.Context, br *types.BlockRecords) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.PutBlockRecords")
	defer span.End()
	if _, err := s.blockRecords.InsertOne(ctx, newBlockRecordsDoc(br)); err != nil {
		return errors.Wrap(err, "could not insert block records")
	}
	return nil
}

// BlockRecords returns the record list of a block, or nil when absent.
func (s *Store) BlockRecords(ctx context.Context, blockNumber uint64) (*types.BlockRecords, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.BlockRecords")
	defer span.End()
	var doc blockRecordsDoc
	err := s.blockRecords.FindOne(ctx, bson.M{"_id": int64(blockNumber)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read block records")
	}
	return doc.decode()
}
