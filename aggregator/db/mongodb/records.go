package mongodb

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"

	"github.com/unicitylabs/aggregator/aggregator/types"
)

// PutRecord inserts the record if none exists for its request id. The store
// assigns the sequence id; duplicate inserts succeed silently so the first
// write always wins.
func (s *Store) PutRecord(ctx context.Context, record *types.AggregatorRecord) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.PutRecord")
	defer span.End()
	return s.PutRecordBatch(ctx, []*types.AggregatorRecord{record})
}

// PutRecordBatch bulk-inserts the subset of records that are absent. Sequence
// ids are reserved up front for the whole batch; ids burned on duplicates
// leave gaps, which is fine since only ordering matters.
func (s *Store) PutRecordBatch(ctx context.Context, records []*types.AggregatorRecord) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.PutRecordBatch")
	defer span.End()
	if len(records) == 0 {
		return nil
	}
	first, err := s.nextSequenceRange(ctx, recordsCollection, len(records))
	if err != nil {
		return err
	}
	docs := make([]interface{}, len(records))
	for i, r := range records {
		d := newRecordDoc(r)
		d.SequenceID = int64(first + uint64(i))
		docs[i] = d
	}
	_, err = s.records.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return errors.Wrap(err, "could not insert records")
	}
	return nil
}

// Record returns the record for the request id, or nil when absent.
func (s *Store) Record(ctx context.Context, requestID types.Imprint) (*types.AggregatorRecord, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.Record")
	defer span.End()
	var doc recordDoc
	err := s.records.FindOne(ctx, bson.M{"_id": requestID.String()}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read record")
	}
	return doc.decode()
}

// RecordsByRequestIDs returns the records present for the given ids, missing
// ids omitted.
func (s *Store) RecordsByRequestIDs(ctx context.Context, requestIDs []types.Imprint) ([]*types.AggregatorRecord, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.RecordsByRequestIDs")
	defer span.End()
	if len(requestIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(requestIDs))
	for i, id := range requestIDs {
		ids[i] = id.String()
	}
	cur, err := s.records.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, errors.Wrap(err, "could not query records")
	}
	defer func() {
		if err := cur.Close(ctx); err != nil {
			log.WithError(err).Debug("Could not close record cursor")
		}
	}()
	var out []*types.AggregatorRecord
	for cur.Next(ctx) {
		var doc recordDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "could not decode record")
		}
		r, err := doc.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}
