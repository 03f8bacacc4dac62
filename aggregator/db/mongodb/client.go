// Package mongodb implements the database contracts on a shared MongoDB
// deployment. Every replica of an aggregator cluster points at the same
// database; conditional writes, unique indexes and change streams provide
// the coordination primitives the core relies on.
package mongodb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/unicitylabs/aggregator/aggregator/db/iface"
)

var log = logrus.WithField("prefix", "mongodb")

// Collection names.
const (
	recordsCollection      = "aggregatorrecords"
	commitmentsCollection  = "commitments"
	blocksCollection       = "blocks"
	blockRecordsCollection = "blockrecords"
	leavesCollection       = "smtleaves"
	leadershipCollection   = "leadership"
	resumeTokenCollection  = "blockrecords_resumetokens"
	countersCollection     = "counters"
)

const connectTimeout = 10 * time.Second

// Store is a MongoDB-backed iface.Database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	records      *mongo.Collection
	commitments  *mongo.Collection
	blocks       *mongo.Collection
	blockRecords *mongo.Collection
	leaves       *mongo.Collection
	leadership   *mongo.Collection
	resumeTokens *mongo.Collection
	counters     *mongo.Collection

	txnUnsupported bool
}

var _ iface.Database = (*Store)(nil)

// NewStore connects to the deployment at uri and prepares the aggregator
// collections and indexes.
func NewStore(ctx context.Context, uri, databaseName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to storage")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "could not reach storage")
	}
	db := client.Database(databaseName)
	s := &Store{
		client:       client,
		db:           db,
		records:      db.Collection(recordsCollection),
		commitments:  db.Collection(commitmentsCollection),
		blocks:       db.Collection(blocksCollection),
		blockRecords: db.Collection(blockRecordsCollection),
		leaves:       db.Collection(leavesCollection),
		leadership:   db.Collection(leadershipCollection),
		resumeTokens: db.Collection(resumeTokenCollection),
		counters:     db.Collection(countersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"uri": uri, "database": databaseName}).Info("Connected to storage")
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.commitments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "state", Value: 1}},
	})
	if err != nil {
		return errors.Wrap(err, "could not create commitments state index")
	}
	_, err = s.leaves.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sequenceId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "could not create leaf sequence index")
	}
	return nil
}

// Close disconnects from the deployment.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextSequenceRange atomically reserves n sequence ids for the named
// counter and returns the first id of the range.
func (s *Store) nextSequenceRange(ctx context.Context, name string, n int) (uint64, error) {
	res := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, errors.Wrapf(err, "could not reserve %s sequence range", name)
	}
	return uint64(doc.Seq) - uint64(n) + 1, nil
}
