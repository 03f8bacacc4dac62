// Package smtsync keeps a follower's in-memory SMT converged with the
// leader's by tailing the block records change feed and applying the
// referenced leaves. At boot every replica, leader included, reloads the
// whole tree from the leaf store.
package smtsync

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
)

var log = logrus.WithField("prefix", "smtsync")

// ReloadChunkSize is the leaf batch size of the boot reload.
const ReloadChunkSize = 1000

// An initial read plus leafFetchRetries retries, backing off 1s to 16s.
const (
	leafFetchRetries   = 5
	leafFetchBaseDelay = time.Second
)

// ReloadTree rebuilds the tree from the full leaf stream. Chunked replay in
// insertion order yields the same root as the original insertions.
func ReloadTree(ctx context.Context, leaves iface.LeafStore, tree *smt.SMT) error {
	started := time.Now()
	if err := leaves.AllLeavesInChunks(ctx, ReloadChunkSize, tree.AddLeaves); err != nil {
		return errors.Wrap(err, "could not reload tree from leaf store")
	}
	log.WithFields(logrus.Fields{
		"leaves":   tree.LeafCount(),
		"rootHash": tree.RootHash(),
		"duration": time.Since(started),
	}).Info("Reloaded tree from leaf store")
	return nil
}

// Config options for the synchronizer.
type Config struct {
	Database iface.Database
	SMT      *smt.SMT
	// ServerID scopes the feed's resume cursor to this replica.
	ServerID string
}

// Service consumes the change feed while the replica is a follower.
// Leadership transitions toggle it off and on: a replica is either
// producing blocks or applying them, never both.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	mu       sync.Mutex
	syncing  bool
	stop     context.CancelFunc
	done     chan struct{}

	// Test seams; production values are set in NewService.
	fatalf    func(format string, args ...interface{})
	baseDelay time.Duration
}

// NewService creates the synchronizer.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		fatalf:    log.Fatalf,
		baseDelay: leafFetchBaseDelay,
	}
}

// Start begins following. Nodes that boot as leader pause it right away
// through the leadership callback.
func (s *Service) Start() {
	s.StartSync(s.ctx)
}

// Stop halts the feed consumer.
func (s *Service) Stop() error {
	s.StopSync(context.Background())
	s.cancel()
	return nil
}

// Status always returns nil; feed reconnects are handled downstream.
func (s *Service) Status() error {
	return nil
}

// StreamID returns the replica's change feed stream id.
func (s *Service) StreamID() string {
	return "blockRecords_" + s.cfg.ServerID
}

// StartSync subscribes to the change feed. No-op while already syncing.
func (s *Service) StartSync(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return
	}
	s.syncing = true
	subCtx, stop := context.WithCancel(s.ctx)
	s.stop = stop
	done := make(chan struct{})
	s.done = done
	log.WithField("stream", s.StreamID()).Info("Starting follower synchronization")
	go func() {
		defer close(done)
		if err := s.cfg.Database.SubscribeBlockRecords(subCtx, s.StreamID(), s.applyEvent); err != nil {
			// The subscription only errors when an apply failed, and a
			// failed apply means the tree can no longer be trusted.
			s.fatalf("Follower synchronization failed, restart required: %v", err)
		}
	}()
}

// StopSync unsubscribes and waits for the consumer to drain. The cursor is
// persisted only after successful applies, so stopping mid-event redelivers
// it on the next subscription.
func (s *Service) StopSync(context.Context) {
	s.mu.Lock()
	if !s.syncing {
		s.mu.Unlock()
		return
	}
	s.syncing = false
	s.stop()
	done := s.done
	s.mu.Unlock()
	<-done
	log.Info("Stopped follower synchronization")
}

// applyEvent folds one block's leaves into the local tree.
func (s *Service) applyEvent(ctx context.Context, br *types.BlockRecords) error {
	if len(br.RequestIDs) == 0 {
		return nil
	}
	paths := make([]*big.Int, len(br.RequestIDs))
	for i, id := range br.RequestIDs {
		paths[i] = id.Big()
	}
	leaves, err := s.fetchLeaves(ctx, paths)
	if err != nil {
		return errors.Wrapf(err, "block %d", br.BlockNumber)
	}
	if err := s.cfg.SMT.AddLeaves(leaves); err != nil {
		return errors.Wrapf(err, "could not apply leaves of block %d", br.BlockNumber)
	}
	log.WithFields(logrus.Fields{
		"blockNumber": br.BlockNumber,
		"leaves":      len(leaves),
		"rootHash":    s.cfg.SMT.RootHash(),
	}).Debug("Applied block leaves")
	return nil
}

// fetchLeaves reads the referenced leaves, retrying with exponential
// backoff. The leader's leaf write and the feed emission are two durable
// operations, so on replicated storage a leaf may momentarily trail the
// event that references it.
func (s *Service) fetchLeaves(ctx context.Context, paths []*big.Int) ([]*smt.Leaf, error) {
	delay := s.baseDelay
	var leaves []*smt.Leaf
	for attempt := 0; ; attempt++ {
		var err error
		leaves, err = s.cfg.Database.LeavesByPaths(ctx, paths)
		if err == nil && len(leaves) == len(paths) {
			return leaves, nil
		}
		if err != nil {
			log.WithError(err).WithField("attempt", attempt+1).Warn("Could not fetch leaves")
		} else {
			log.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"want":    len(paths),
				"got":     len(leaves),
			}).Warn("Leaf store trails the change feed")
		}
		if attempt == leafFetchRetries {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return nil, errors.Errorf("%d of %d leaves still missing after %d retries", len(paths)-len(leaves), len(paths), leafFetchRetries)
}
