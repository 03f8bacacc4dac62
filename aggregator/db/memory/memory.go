// Package memory implements the database contracts on process-local maps.
// It backs unit tests and single-process development runs; every semantic
// guarantee of the production store (insert-if-absent, drain states, chain
// ordering, lease conditions, feed cursors) is reproduced here.
package memory

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/encoding/bytesutil"
)

type queueState int

const (
	statePending queueState = iota
	stateProcessing
)

type queueEntry struct {
	commitment *types.Commitment
	state      queueState
	ingestTime time.Time
}

type leafEntry struct {
	leaf       *smt.Leaf
	sequenceID uint64
}

// Store is an in-memory iface.Database.
type Store struct {
	mu sync.Mutex

	records   map[string]*types.AggregatorRecord
	recordSeq uint64

	queue []*queueEntry

	blocks       map[uint64]*types.Block
	latestBlock  uint64
	blockRecords map[uint64]*types.BlockRecords

	leaves    map[string]*leafEntry
	leafOrder []string
	leafSeq   uint64

	leases  map[string]*iface.LeadershipLease
	cursors map[string][]byte

	feed     []*types.BlockRecords
	feedCond *sync.Cond
}

var _ iface.Database = (*Store)(nil)

// NewStore returns an empty in-memory database.
func NewStore() *Store {
	s := &Store{
		records:      make(map[string]*types.AggregatorRecord),
		blocks:       make(map[uint64]*types.Block),
		blockRecords: make(map[uint64]*types.BlockRecords),
		leaves:       make(map[string]*leafEntry),
		leases:       make(map[string]*iface.LeadershipLease),
		cursors:      make(map[string][]byte),
	}
	s.feedCond = sync.NewCond(&s.mu)
	return s
}

// Close implements iface.Database.
func (s *Store) Close(_ context.Context) error {
	s.feedCond.Broadcast()
	return nil
}

// PutRecord inserts the record if absent, assigning the sequence id.
func (s *Store) PutRecord(ctx context.Context, record *types.AggregatorRecord) error {
	return s.PutRecordBatch(ctx, []*types.AggregatorRecord{record})
}

// PutRecordBatch bulk-inserts the absent subset.
func (s *Store) PutRecordBatch(_ context.Context, records []*types.AggregatorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		key := r.RequestID.String()
		if _, ok := s.records[key]; ok {
			continue
		}
		s.recordSeq++
		stored := *r
		stored.SequenceID = s.recordSeq
		s.records[key] = &stored
	}
	return nil
}

// Record returns the stored record or nil.
func (s *Store) Record(_ context.Context, requestID types.Imprint) (*types.AggregatorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[requestID.String()]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// RecordsByRequestIDs returns the present subset.
func (s *Store) RecordsByRequestIDs(_ context.Context, requestIDs []types.Imprint) ([]*types.AggregatorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.AggregatorRecord, 0, len(requestIDs))
	for _, id := range requestIDs {
		if r, ok := s.records[id.String()]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PutCommitment appends a pending entry.
func (s *Store) PutCommitment(_ context.Context, c *types.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, &queueEntry{commitment: c, state: statePending, ingestTime: time.Now()})
	return nil
}

// DrainForBlock marks all pending entries processing and returns the
// processing set in insertion order.
func (s *Store) DrainForBlock(_ context.Context) ([]*types.Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Commitment, 0, len(s.queue))
	for _, e := range s.queue {
		e.state = stateProcessing
		out = append(out, e.commitment)
	}
	return out, nil
}

// ConfirmBlockProcessed deletes all processing entries.
func (s *Store) ConfirmBlockProcessed(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.state != stateProcessing {
			kept = append(kept, e)
		}
	}
	s.queue = kept
	return nil
}

// NextBlockNumber returns 1 + max stored index.
func (s *Store) NextBlockNumber(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestBlock + 1, nil
}

// PutBlock appends the block if it extends the chain.
func (s *Store) PutBlock(_ context.Context, b *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putBlockLocked(b)
}

func (s *Store) putBlockLocked(b *types.Block) error {
	if b.Index != s.latestBlock+1 {
		return iface.ErrBlockOutOfOrder
	}
	cp := *b
	s.blocks[b.Index] = &cp
	s.latestBlock = b.Index
	return nil
}

// Block returns the block at index or nil.
func (s *Store) Block(_ context.Context, index uint64) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[index]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// LatestBlock returns the chain tip or nil.
func (s *Store) LatestBlock(ctx context.Context) (*types.Block, error) {
	s.mu.Lock()
	latest := s.latestBlock
	s.mu.Unlock()
	if latest == 0 {
		return nil, nil
	}
	return s.Block(ctx, latest)
}

// PutBlockRecords stores the record list and emits it on the feed.
func (s *Store) PutBlockRecords(_ context.Context, br *types.BlockRecords) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putBlockRecordsLocked(br)
}

func (s *Store) putBlockRecordsLocked(br *types.BlockRecords) error {
	if _, ok := s.blockRecords[br.BlockNumber]; ok {
		return nil
	}
	cp := *br
	s.blockRecords[br.BlockNumber] = &cp
	s.feed = append(s.feed, &cp)
	s.feedCond.Broadcast()
	return nil
}

// BlockRecords returns the record list of a block or nil.
func (s *Store) BlockRecords(_ context.Context, blockNumber uint64) (*types.BlockRecords, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.blockRecords[blockNumber]
	if !ok {
		return nil, nil
	}
	cp := *br
	return &cp, nil
}

// PutBlockWithRecords writes both under one lock so neither becomes visible
// without the other.
func (s *Store) PutBlockWithRecords(_ context.Context, b *types.Block, br *types.BlockRecords) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putBlockLocked(b); err != nil {
		return err
	}
	return s.putBlockRecordsLocked(br)
}

// PutLeaf inserts a leaf if absent.
func (s *Store) PutLeaf(ctx context.Context, leaf *smt.Leaf) error {
	return s.PutLeafBatch(ctx, []*smt.Leaf{leaf})
}

// PutLeafBatch bulk-inserts the absent subset, preserving insertion order
// for replay.
func (s *Store) PutLeafBatch(_ context.Context, leaves []*smt.Leaf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range leaves {
		key := pathKey(l.Path)
		if _, ok := s.leaves[key]; ok {
			continue
		}
		s.leafSeq++
		s.leaves[key] = &leafEntry{
			leaf:       &smt.Leaf{Path: new(big.Int).Set(l.Path), Value: bytesutil.SafeCopyBytes(l.Value)},
			sequenceID: s.leafSeq,
		}
		s.leafOrder = append(s.leafOrder, key)
	}
	return nil
}

// LeavesByPaths returns the present subset.
func (s *Store) LeavesByPaths(_ context.Context, paths []*big.Int) ([]*smt.Leaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*smt.Leaf, 0, len(paths))
	for _, p := range paths {
		if e, ok := s.leaves[pathKey(p)]; ok {
			out = append(out, copyLeaf(e.leaf))
		}
	}
	return out, nil
}

// AllLeavesInChunks streams every leaf in insertion order.
func (s *Store) AllLeavesInChunks(ctx context.Context, chunkSize int, fn func(leaves []*smt.Leaf) error) error {
	s.mu.Lock()
	snapshot := make([]*smt.Leaf, 0, len(s.leafOrder))
	for _, key := range s.leafOrder {
		snapshot = append(snapshot, copyLeaf(s.leaves[key].leaf))
	}
	s.mu.Unlock()

	for start := 0; start < len(snapshot); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + chunkSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		if err := fn(snapshot[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// AcquireLease implements the conditional lease acquisition.
func (s *Store) AcquireLease(_ context.Context, lockID, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cur, ok := s.leases[lockID]
	if ok && cur.HolderID != holderID && cur.ExpiresAt.After(now) {
		return false, nil
	}
	acquiredAt := now
	if ok && cur.HolderID == holderID {
		acquiredAt = cur.AcquiredAt
	}
	s.leases[lockID] = &iface.LeadershipLease{
		LockID:      lockID,
		HolderID:    holderID,
		AcquiredAt:  acquiredAt,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	return true, nil
}

// RenewLease refreshes expiry while the holder still owns a live lease.
func (s *Store) RenewLease(_ context.Context, lockID, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cur, ok := s.leases[lockID]
	if !ok || cur.HolderID != holderID || !cur.ExpiresAt.After(now) {
		return false, nil
	}
	cur.HeartbeatAt = now
	cur.ExpiresAt = now.Add(ttl)
	return true, nil
}

// ReleaseLease deletes the lease when held by the caller.
func (s *Store) ReleaseLease(_ context.Context, lockID, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[lockID]; ok && cur.HolderID == holderID {
		delete(s.leases, lockID)
	}
	return nil
}

// Lease returns the current lease row or nil.
func (s *Store) Lease(_ context.Context, lockID string) (*iface.LeadershipLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[lockID]
	if !ok {
		return nil, nil
	}
	cp := *cur
	return &cp, nil
}

// ResumeCursor returns the stored token or nil.
func (s *Store) ResumeCursor(_ context.Context, streamID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytesutil.SafeCopyBytes(s.cursors[streamID]), nil
}

// SaveResumeCursor stores the token.
func (s *Store) SaveResumeCursor(_ context.Context, streamID string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[streamID] = bytesutil.SafeCopyBytes(token)
	return nil
}

// ClearResumeCursor removes the token.
func (s *Store) ClearResumeCursor(_ context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, streamID)
	return nil
}

// SubscribeBlockRecords delivers feed events in commit order. The token is
// the feed position; delivery starts from the stored cursor when present,
// otherwise from the subscription point.
func (s *Store) SubscribeBlockRecords(ctx context.Context, streamID string, onEvent func(ctx context.Context, br *types.BlockRecords) error) error {
	s.mu.Lock()
	pos := len(s.feed)
	if tok := s.cursors[streamID]; tok != nil {
		pos = int(bytesutil.BytesToUint64BigEndian(tok))
	}
	s.mu.Unlock()

	// Wake the waiter when the subscription context finishes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.feedCond.Broadcast()
		case <-done:
		}
	}()

	for {
		s.mu.Lock()
		for pos >= len(s.feed) && ctx.Err() == nil {
			s.feedCond.Wait()
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return nil
		}
		cp := *s.feed[pos]
		s.mu.Unlock()

		if err := onEvent(ctx, &cp); err != nil {
			return err
		}
		pos++
		if err := s.SaveResumeCursor(ctx, streamID, bytesutil.Uint64ToBytesBigEndian(uint64(pos))); err != nil {
			return err
		}
	}
}

func pathKey(p *big.Int) string {
	return p.Text(16)
}

func copyLeaf(l *smt.Leaf) *smt.Leaf {
	return &smt.Leaf{Path: new(big.Int).Set(l.Path), Value: bytesutil.SafeCopyBytes(l.Value)}
}
