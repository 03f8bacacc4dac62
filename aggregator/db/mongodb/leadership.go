package mongodb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"

	"github.com/unicitylabs/aggregator/aggregator/db/iface"
)

// AcquireLease takes the leadership lock via an upserted conditional write.
// It succeeds when no lease exists, the existing lease has expired, or the
// caller already holds it. Returns false without error when another replica
// holds a live lease.
func (s *Store) AcquireLease(ctx context.Context, lockID, holderID string, ttl time.Duration) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.AcquireLease")
	defer span.End()
	now := time.Now().UTC()
	filter := bson.M{
		"_id": lockID,
		"$or": []bson.M{
			{"holderId": holderID},
			{"expiresAt": bson.M{"$lte": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"holderId":    holderID,
			"acquiredAt":  now,
			"heartbeatAt": now,
			"expiresAt":   now.Add(ttl),
		},
	}
	res, err := s.leadership.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// The upsert races when a live lease exists under another holder:
		// the filter matches nothing, and inserting collides on the lock id.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "could not acquire lease")
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}

// RenewLease extends the lease expiry, succeeding only while the caller
// still holds an unexpired lease.
func (s *Store) RenewLease(ctx context.Context, lockID, holderID string, ttl time.Duration) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.RenewLease")
	defer span.End()
	now := time.Now().UTC()
	filter := bson.M{
		"_id":       lockID,
		"holderId":  holderID,
		"expiresAt": bson.M{"$gt": now},
	}
	update := bson.M{
		"$set": bson.M{
			"heartbeatAt": now,
			"expiresAt":   now.Add(ttl),
		},
	}
	res, err := s.leadership.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, errors.Wrap(err, "could not renew lease")
	}
	return res.MatchedCount > 0, nil
}

// ReleaseLease deletes the lease when held by the caller. Releasing a lease
// held by someone else is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, lockID, holderID string) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.ReleaseLease")
	defer span.End()
	_, err := s.leadership.DeleteOne(ctx, bson.M{"_id": lockID, "holderId": holderID})
	return errors.Wrap(err, "could not release lease")
}

// Lease returns the current lease row, or nil when absent.
func (s *Store) Lease(ctx context.Context, lockID string) (*iface.LeadershipLease, error) {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.Lease")
	defer span.End()
	var lease iface.LeadershipLease
	err := s.leadership.FindOne(ctx, bson.M{"_id": lockID}).Decode(&lease)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read lease")
	}
	return &lease, nil
}
