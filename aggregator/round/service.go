// Package round runs the block production pipeline: drain the pending
// queue, persist records and leaves, mutate the SMT, anchor the root and
// seal the block. Exactly one replica, the elected leader, produces blocks
// at a wallclock-second cadence.
package round

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/unicitylabs/aggregator/aggregator/anchor"
	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
)

var log = logrus.WithField("prefix", "round")

const retryBackoff = time.Second

// Config options for the round manager.
type Config struct {
	Database iface.Database
	SMT      *smt.SMT
	Anchor   anchor.Client

	ChainID          uint64
	Version          uint64
	ForkID           uint64
	InitialBlockHash types.Imprint

	// BlockCreationWaitTime bounds how long StopBlockProduction waits for
	// an in-flight round.
	BlockCreationWaitTime time.Duration
	// Standalone starts block production on Start instead of waiting for a
	// leadership grant.
	Standalone bool
}

// Service is the round manager. Block production is armed and disarmed by
// leadership transitions; commitment intake runs on every replica.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	mu        sync.Mutex
	producing bool
	quit      chan struct{}
	done      chan struct{}
}

// NewService creates the round manager.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	if err := cfg.InitialBlockHash.Validate(); err != nil {
		return nil, errors.Wrap(err, "initial block hash")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{ctx: ctx, cancel: cancel, cfg: cfg}, nil
}

// Start arms block production when running standalone. Under high
// availability the election service arms it instead.
func (s *Service) Start() {
	if s.cfg.Standalone {
		log.Info("Running standalone, starting block production")
		s.StartBlockProduction(s.ctx)
	}
}

// Stop disarms production and waits for an in-flight round.
func (s *Service) Stop() error {
	s.StopBlockProduction(context.Background())
	s.cancel()
	return nil
}

// Status always returns nil; aborted rounds retry and are not a fault.
func (s *Service) Status() error {
	return nil
}

// SubmitCommitment durably enqueues a validated commitment for the next
// block.
func (s *Service) SubmitCommitment(ctx context.Context, c *types.Commitment) error {
	return s.cfg.Database.PutCommitment(ctx, c)
}

// StartBlockProduction arms the block creation timer. It is a no-op while
// already producing.
func (s *Service) StartBlockProduction(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producing {
		return
	}
	s.producing = true
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	log.Info("Starting block production")
	go s.produceLoop(s.quit, s.done)
}

// StopBlockProduction disarms the timer. An in-flight round is allowed to
// finish, bounded by the configured wait time; it is never rolled back.
func (s *Service) StopBlockProduction(context.Context) {
	s.mu.Lock()
	if !s.producing {
		s.mu.Unlock()
		return
	}
	s.producing = false
	close(s.quit)
	done := s.done
	s.mu.Unlock()

	log.Info("Stopping block production")
	select {
	case <-done:
	case <-time.After(s.cfg.BlockCreationWaitTime):
		log.Warn("In-flight round did not finish before the wait deadline")
	}
}

// produceLoop fires on every whole-second boundary and backs off one second
// after a failed round. Rounds are strictly serialized; the timer re-arms
// only after the previous round returns.
func (s *Service) produceLoop(quit, done chan struct{}) {
	defer close(done)
	for {
		delay := time.Until(time.Now().Truncate(time.Second).Add(time.Second))
		select {
		case <-quit:
			return
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
		if _, err := s.CreateBlock(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Block production round failed")
			roundFailuresTotal.Inc()
			select {
			case <-quit:
				return
			case <-s.ctx.Done():
				return
			case <-time.After(retryBackoff):
			}
		}
	}
}

// CreateBlock runs one full round. Empty rounds still seal a block so the
// anchor keeps witnessing the root. A failed round leaves the drained
// entries in the processing state; the next round, possibly on another
// leader, re-drains them and the idempotent record and leaf inserts make
// the retry harmless.
func (s *Service) CreateBlock(ctx context.Context) (*types.Block, error) {
	started := time.Now()

	n, err := s.cfg.Database.NextBlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not read next block number")
	}
	drained, err := s.cfg.Database.DrainForBlock(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not drain pending queue")
	}
	drainedCommitments.Set(float64(len(drained)))
	commitments, err := s.dedupDrained(ctx, drained)
	if err != nil {
		return nil, err
	}

	records := make([]*types.AggregatorRecord, len(commitments))
	leaves := make([]*smt.Leaf, len(commitments))
	requestIDs := make([]types.Imprint, len(commitments))
	for i, c := range commitments {
		records[i] = types.NewAggregatorRecord(c, 0)
		leaves[i] = &smt.Leaf{
			Path:  c.RequestID.Big(),
			Value: types.LeafValue(&c.Authenticator, c.TransactionHash),
		}
		requestIDs[i] = c.RequestID
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.cfg.Database.PutRecordBatch(gctx, records)
	})
	g.Go(func() error {
		return s.cfg.Database.PutLeafBatch(gctx, leaves)
	})

	// Identical duplicates from a recovery replay are tolerated inside
	// AddLeaves; the deduplicated drain keeps queue-borne conflicts out of
	// the batch. The persistence goroutines are awaited on every path.
	addErr := s.cfg.SMT.AddLeaves(leaves)
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "could not persist round data")
	}
	if addErr != nil {
		return nil, errors.Wrap(addErr, "could not extend tree")
	}

	root := s.cfg.SMT.RootHash()
	anchorResp, err := s.cfg.Anchor.SubmitRootHash(ctx, root)
	if err != nil {
		return nil, errors.Wrap(err, "could not anchor root hash")
	}

	previousBlockHash := s.cfg.InitialBlockHash
	if n > 1 {
		previousBlockHash = anchorResp.PreviousRootWitness
		s.warnOnWitnessSkew(ctx, n, anchorResp.PreviousRootWitness)
	}

	block := &types.Block{
		Index:             n,
		ChainID:           s.cfg.ChainID,
		Version:           s.cfg.Version,
		ForkID:            s.cfg.ForkID,
		Timestamp:         anchorResp.Timestamp,
		AnchorProof:       anchorResp.Proof,
		PreviousBlockHash: previousBlockHash,
		RootHash:          root,
	}
	br := &types.BlockRecords{BlockNumber: n, RequestIDs: requestIDs}
	if err := s.cfg.Database.PutBlockWithRecords(ctx, block, br); err != nil {
		return nil, errors.Wrap(err, "could not seal block")
	}

	if len(commitments) > 0 {
		if err := s.cfg.Database.ConfirmBlockProcessed(ctx); err != nil {
			// The block is sealed; a re-drain after restart re-inserts
			// records and leaves as no-ops.
			return nil, errors.Wrap(err, "could not confirm processed queue")
		}
	}

	blocksProducedTotal.Inc()
	commitmentsProcessedTotal.Add(float64(len(commitments)))
	roundDuration.Observe(time.Since(started).Seconds())
	log.WithFields(logrus.Fields{
		"blockNumber": n,
		"commitments": len(commitments),
		"rootHash":    root,
		"duration":    time.Since(started),
	}).Info("Sealed block")
	return block, nil
}

// dedupDrained collapses the drained set to one commitment per request id,
// first submission wins. The validator admits both halves of a concurrent
// same-id pair when neither has a record yet, so the drain can legally carry
// conflicting payloads for one id; only the winner may reach the tree. A
// commitment whose id already holds a record with a different leaf value is
// dropped for the same reason: the recorded commitment is immutable.
func (s *Service) dedupDrained(ctx context.Context, drained []*types.Commitment) ([]*types.Commitment, error) {
	if len(drained) == 0 {
		return drained, nil
	}
	seen := make(map[string]bool, len(drained))
	unique := make([]*types.Commitment, 0, len(drained))
	ids := make([]types.Imprint, 0, len(drained))
	for _, c := range drained {
		key := c.RequestID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, c)
		ids = append(ids, c.RequestID)
	}
	existing, err := s.cfg.Database.RecordsByRequestIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "could not read records of drained commitments")
	}
	recorded := make(map[string]*types.AggregatorRecord, len(existing))
	for _, r := range existing {
		recorded[r.RequestID.String()] = r
	}
	out := make([]*types.Commitment, 0, len(unique))
	for _, c := range unique {
		if r, ok := recorded[c.RequestID.String()]; ok {
			if !bytes.Equal(types.LeafValue(&r.Authenticator, r.TransactionHash), types.LeafValue(&c.Authenticator, c.TransactionHash)) {
				log.WithField("requestId", c.RequestID).Warn("Dropping commitment conflicting with an aggregated record")
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// warnOnWitnessSkew compares the anchor's previous root witness against the
// locally stored previous block. The witness is used verbatim either way;
// a mismatch means the anchor saw a submission this replica did not make.
func (s *Service) warnOnWitnessSkew(ctx context.Context, n uint64, witness types.Imprint) {
	prev, err := s.cfg.Database.Block(ctx, n-1)
	if err != nil || prev == nil {
		return
	}
	if !prev.RootHash.Equal(witness) {
		log.WithFields(logrus.Fields{
			"blockNumber":   n,
			"localPrevRoot": prev.RootHash,
			"anchorWitness": witness,
		}).Warn("Anchor witness does not match local previous root")
	}
}
