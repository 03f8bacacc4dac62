// Package iface defines the contracts of the shared database backing the
// aggregator. The database is the single source of truth for records, the
// pending queue, blocks, leaves, leases and cursors; in-memory state such as
// the SMT is derived from it.
package iface

import (
	"context"
	"math/big"
	"time"

	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
)

// RecordStore is the content-addressed durable store of accepted
// commitments, keyed by request fingerprint. Inserts never overwrite: the
// first write wins and later identical puts succeed silently.
type RecordStore interface {
	// PutRecord inserts the record if no record exists for its request id.
	// The store assigns the sequence id on first insert.
	PutRecord(ctx context.Context, record *types.AggregatorRecord) error
	// PutRecordBatch bulk-inserts the subset of records that are absent.
	PutRecordBatch(ctx context.Context, records []*types.AggregatorRecord) error
	// Record returns the record for the request id, or nil when absent.
	Record(ctx context.Context, requestID types.Imprint) (*types.AggregatorRecord, error)
	// RecordsByRequestIDs returns the records present for the given ids, in
	// unspecified order. Missing ids are omitted.
	RecordsByRequestIDs(ctx context.Context, requestIDs []types.Imprint) ([]*types.AggregatorRecord, error)
}

// PendingQueue is the durable FIFO of validated commitments awaiting the
// next block.
//
// Entries drained for a block stay in the queue in a processing state until
// the block is confirmed; a crash in between leaves them visible to the next
// DrainForBlock, giving at-least-once inclusion. Record store uniqueness
// upgrades that to exactly-once commitment.
type PendingQueue interface {
	PutCommitment(ctx context.Context, c *types.Commitment) error
	// DrainForBlock atomically marks every pending entry as processing and
	// returns the full processing set in insertion order.
	DrainForBlock(ctx context.Context) ([]*types.Commitment, error)
	// ConfirmBlockProcessed deletes all processing entries.
	ConfirmBlockProcessed(ctx context.Context) error
}

// BlockStore holds the sealed block sequence.
type BlockStore interface {
	// NextBlockNumber returns 1 + the highest stored index, or 1 when empty.
	NextBlockNumber(ctx context.Context) (uint64, error)
	// PutBlock appends the block. Inserting any index other than the current
	// NextBlockNumber fails with ErrBlockOutOfOrder; concurrent leaders race
	// on the unique index and exactly one wins.
	PutBlock(ctx context.Context, b *types.Block) error
	// Block returns the block at the given index, or nil when absent.
	Block(ctx context.Context, index uint64) (*types.Block, error)
	// LatestBlock returns the highest block, or nil on an empty chain.
	LatestBlock(ctx context.Context) (*types.Block, error)
}

// BlockRecordsStore maps each block to the request ids it admitted. Writes
// feed the change feed in commit order.
type BlockRecordsStore interface {
	PutBlockRecords(ctx context.Context, br *types.BlockRecords) error
	// BlockRecords returns the record list of a block, or nil when absent.
	BlockRecords(ctx context.Context, blockNumber uint64) (*types.BlockRecords, error)
}

// LeafStore persists every SMT leaf ever inserted. Replaying the full
// stream through AllLeavesInChunks in order rebuilds the exact tree.
type LeafStore interface {
	PutLeaf(ctx context.Context, leaf *smt.Leaf) error
	PutLeafBatch(ctx context.Context, leaves []*smt.Leaf) error
	// LeavesByPaths returns the present subset, missing paths omitted.
	LeavesByPaths(ctx context.Context, paths []*big.Int) ([]*smt.Leaf, error)
	// AllLeavesInChunks streams every leaf exactly once, in insertion
	// order, in chunks of up to chunkSize.
	AllLeavesInChunks(ctx context.Context, chunkSize int, fn func(leaves []*smt.Leaf) error) error
}

// LeadershipLease is the single fencing lock row shared by all replicas.
type LeadershipLease struct {
	LockID      string    `bson:"_id" json:"lockId"`
	HolderID    string    `bson:"holderId" json:"holderId"`
	AcquiredAt  time.Time `bson:"acquiredAt" json:"acquiredAt"`
	HeartbeatAt time.Time `bson:"heartbeatAt" json:"heartbeatAt"`
	ExpiresAt   time.Time `bson:"expiresAt" json:"expiresAt"`
}

// LeaseStore implements the conditional writes of the leadership lock.
type LeaseStore interface {
	// AcquireLease succeeds when no lease exists, the existing lease has
	// expired, or the holder already owns it.
	AcquireLease(ctx context.Context, lockID, holderID string, ttl time.Duration) (bool, error)
	// RenewLease refreshes expiry, succeeding only while the caller still
	// holds an unexpired lease.
	RenewLease(ctx context.Context, lockID, holderID string, ttl time.Duration) (bool, error)
	// ReleaseLease deletes the lease when held by the caller.
	ReleaseLease(ctx context.Context, lockID, holderID string) error
	// Lease returns the current lease row, or nil when absent.
	Lease(ctx context.Context, lockID string) (*LeadershipLease, error)
}

// CursorStore keeps per-stream change feed resume cursors. Tokens are
// opaque to everything but the feed provider.
type CursorStore interface {
	ResumeCursor(ctx context.Context, streamID string) ([]byte, error)
	SaveResumeCursor(ctx context.Context, streamID string, token []byte) error
	ClearResumeCursor(ctx context.Context, streamID string) error
}

// ChangeFeed is the durable append-only tail of the block records store.
type ChangeFeed interface {
	// SubscribeBlockRecords delivers block record events in commit order
	// until the context finishes or the handler returns an error. Delivery
	// resumes from the stream's stored cursor when one exists, otherwise
	// from the subscription time. The cursor advances only after the
	// handler returns nil.
	SubscribeBlockRecords(ctx context.Context, streamID string, onEvent func(ctx context.Context, br *types.BlockRecords) error) error
}

// Database aggregates every store backed by the shared database.
type Database interface {
	RecordStore
	PendingQueue
	BlockStore
	BlockRecordsStore
	LeafStore
	LeaseStore
	CursorStore
	ChangeFeed

	// PutBlockWithRecords writes the block and its record list so that
	// neither becomes visible without the other.
	PutBlockWithRecords(ctx context.Context, b *types.Block, br *types.BlockRecords) error
	Close(ctx context.Context) error
}
