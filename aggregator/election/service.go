// Package election elects a single block-producing leader among the
// replicas sharing one database. The election is a TTL lease on a single
// lock row: the leader heartbeats to keep it, followers poll to take it
// the moment it expires or is released.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/async"
)

var log = logrus.WithField("prefix", "election")

// DefaultLockID is the lock row shared by all replicas of a cluster.
const DefaultLockID = "block_producer"

const releaseTimeout = 5 * time.Second

// Role is the replica's current position in the cluster.
type Role string

// Replica roles.
const (
	RoleStarting Role = "STARTING"
	RoleFollower Role = "FOLLOWER"
	RoleLeader   Role = "LEADER"
	RoleStopped  Role = "STOPPED"
)

// Config options for the election service.
type Config struct {
	Leases   iface.LeaseStore
	ServerID string
	LockID   string
	// LockTTL is how long a lease survives without a heartbeat. It must
	// comfortably exceed HeartbeatInterval.
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// OnBecomeLeader and OnLoseLeadership fire synchronously on every
	// transition, on the heartbeat goroutine.
	OnBecomeLeader   func(ctx context.Context)
	OnLoseLeadership func(ctx context.Context)
}

// Service runs the lease state machine for one replica.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	mu   sync.RWMutex
	role Role
}

// NewService creates the election service. It starts as a follower.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	if cfg.ServerID == "" {
		return nil, errors.New("server id is required")
	}
	if cfg.LockTTL <= cfg.HeartbeatInterval {
		return nil, errors.Errorf("lock ttl %s must exceed heartbeat interval %s", cfg.LockTTL, cfg.HeartbeatInterval)
	}
	if cfg.LockID == "" {
		cfg.LockID = DefaultLockID
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		role:   RoleStarting,
	}, nil
}

// Start begins polling for leadership.
func (s *Service) Start() {
	s.setRole(RoleFollower)
	log.WithField("serverId", s.cfg.ServerID).Info("Joining leader election")

	// Try to take the lock immediately so a fresh cluster does not idle a
	// full poll interval before producing blocks.
	s.pollOnce()
	async.RunEvery(s.ctx, s.cfg.PollInterval, s.pollOnce)
	async.RunEvery(s.ctx, s.cfg.HeartbeatInterval, s.heartbeatOnce)
}

// Stop releases a held lease and leaves the election.
func (s *Service) Stop() error {
	s.cancel()
	wasLeader := s.Role() == RoleLeader
	s.setRole(RoleStopped)
	if !wasLeader {
		return nil
	}
	// The service context is gone; releasing rides a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if s.cfg.OnLoseLeadership != nil {
		s.cfg.OnLoseLeadership(ctx)
	}
	if err := s.cfg.Leases.ReleaseLease(ctx, s.cfg.LockID, s.cfg.ServerID); err != nil {
		return errors.Wrap(err, "could not release leadership lease")
	}
	log.Info("Released leadership lease")
	return nil
}

// Status always returns nil; losing the lease is a normal transition, not a
// service fault.
func (s *Service) Status() error {
	return nil
}

// Role returns the replica's current role.
func (s *Service) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Service) setRole(r Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

// pollOnce attempts to take the lock while following.
func (s *Service) pollOnce() {
	if s.Role() != RoleFollower {
		return
	}
	ok, err := s.cfg.Leases.AcquireLease(s.ctx, s.cfg.LockID, s.cfg.ServerID, s.cfg.LockTTL)
	if err != nil {
		if s.ctx.Err() == nil {
			log.WithError(err).Error("Could not poll leadership lease")
		}
		return
	}
	if !ok {
		return
	}
	s.setRole(RoleLeader)
	log.WithField("serverId", s.cfg.ServerID).Info("Acquired leadership")
	if s.cfg.OnBecomeLeader != nil {
		s.cfg.OnBecomeLeader(s.ctx)
	}
}

// heartbeatOnce refreshes the lease while leading. A failed renewal means
// another replica may already hold the lock, so leadership is surrendered
// immediately rather than racing it.
func (s *Service) heartbeatOnce() {
	if s.Role() != RoleLeader {
		return
	}
	ok, err := s.cfg.Leases.RenewLease(s.ctx, s.cfg.LockID, s.cfg.ServerID, s.cfg.LockTTL)
	if err != nil {
		if s.ctx.Err() == nil {
			log.WithError(err).Error("Could not renew leadership lease, stepping down")
		}
		ok = false
	}
	if ok {
		return
	}
	s.setRole(RoleFollower)
	log.Warn("Lost leadership")
	if s.cfg.OnLoseLeadership != nil {
		s.cfg.OnLoseLeadership(s.ctx)
	}
}
