// Package node defines the aggregator node: it wires the shared database,
// the in-memory SMT, block production, leader election, follower
// synchronization and the RPC surface into a service registry and drives
// their lifecycle.
package node

import (
	"context"
	"crypto/ecdsa"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/unicitylabs/aggregator/aggregator/anchor"
	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/db/mongodb"
	"github.com/unicitylabs/aggregator/aggregator/election"
	"github.com/unicitylabs/aggregator/aggregator/round"
	"github.com/unicitylabs/aggregator/aggregator/rpc"
	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/smtsync"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/aggregator/validation"
	"github.com/unicitylabs/aggregator/config/params"
	"github.com/unicitylabs/aggregator/runtime"
)

var log = logrus.WithField("prefix", "node")

// AggregatorNode is one replica of the aggregator cluster.
type AggregatorNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{}

	db   iface.Database
	tree *smt.SMT
}

// New creates a node: it connects to storage, reloads the SMT and registers
// every service. Nothing runs until Start.
func New(cliCtx *cli.Context) (*AggregatorNode, error) {
	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &AggregatorNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}
	cfg := params.AggregatorConfig()

	db, err := mongodb.NewStore(ctx, cfg.StorageURI, cfg.DatabaseName)
	if err != nil {
		cancel()
		return nil, err
	}
	node.db = db

	// Every replica rebuilds the full tree before any service observes it.
	// The synchronizer's listener is installed only after this finishes.
	node.tree = smt.New()
	if err := smtsync.ReloadTree(ctx, db, node.tree); err != nil {
		cancel()
		return nil, err
	}

	if err := node.registerServices(cfg); err != nil {
		cancel()
		return nil, err
	}
	return node, nil
}

func (n *AggregatorNode) registerServices(cfg *params.Config) error {
	anchorClient, err := newAnchorClient(cfg)
	if err != nil {
		return err
	}
	initialBlockHash, err := types.ImprintFromHex(cfg.InitialBlockHash)
	if err != nil {
		return errors.Wrap(err, "initial block hash")
	}

	rounds, err := round.NewService(n.ctx, &round.Config{
		Database:              n.db,
		SMT:                   n.tree,
		Anchor:                anchorClient,
		ChainID:               cfg.ChainID,
		Version:               cfg.Version,
		ForkID:                cfg.ForkID,
		InitialBlockHash:      initialBlockHash,
		BlockCreationWaitTime: cfg.BlockCreationWaitTime(),
		Standalone:            !cfg.HighAvailabilityEnabled,
	})
	if err != nil {
		return err
	}
	if err := n.services.RegisterService(rounds); err != nil {
		return err
	}

	var elector *election.Service
	if cfg.HighAvailabilityEnabled {
		synchronizer := smtsync.NewService(n.ctx, &smtsync.Config{
			Database: n.db,
			SMT:      n.tree,
			ServerID: cfg.ServerID,
		})
		if err := n.services.RegisterService(synchronizer); err != nil {
			return err
		}

		// A replica is either producing blocks or applying them. The
		// transition order matters: stop the old activity first.
		elector, err = election.NewService(n.ctx, &election.Config{
			Leases:            n.db,
			ServerID:          cfg.ServerID,
			LockTTL:           cfg.LockTTL(),
			HeartbeatInterval: cfg.HeartbeatInterval(),
			PollInterval:      cfg.ElectionPollInterval(),
			OnBecomeLeader: func(ctx context.Context) {
				synchronizer.StopSync(ctx)
				rounds.StartBlockProduction(ctx)
			},
			OnLoseLeadership: func(ctx context.Context) {
				rounds.StopBlockProduction(ctx)
				synchronizer.StartSync(ctx)
			},
		})
		if err != nil {
			return err
		}
		if err := n.services.RegisterService(elector); err != nil {
			return err
		}
	}

	role := func() string { return "leader" }
	if elector != nil {
		role = func() string {
			if elector.Role() == election.RoleLeader {
				return "leader"
			}
			return "follower"
		}
	}

	rpcService := rpc.NewService(n.ctx, &rpc.Config{
		Port:             cfg.Port,
		SSLCertPath:      cfg.SSLCertPath,
		SSLKeyPath:       cfg.SSLKeyPath,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		ServerID:         cfg.ServerID,
		Database:         n.db,
		SMT:              n.tree,
		Validator:        validation.NewValidator(n.db),
		Rounds:           rounds,
		Role:             role,
		ReceiptKey:       receiptKey(cfg),
	})
	return n.services.RegisterService(rpcService)
}

func newAnchorClient(cfg *params.Config) (anchor.Client, error) {
	if cfg.Anchor.Mock {
		log.Warn("Using mock trust anchor, blocks are not externally witnessed")
		return anchor.NewMock(), nil
	}
	return anchor.NewLedgerClient(cfg.Anchor)
}

// receiptKey parses the anchor signing key for receipt use. Receipts are
// simply unavailable without a configured key.
func receiptKey(cfg *params.Config) *ecdsa.PrivateKey {
	if cfg.Anchor.PrivateKey == "" {
		return nil
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.Anchor.PrivateKey, "0x"))
	if err != nil {
		log.WithError(err).Warn("Could not parse receipt signing key, receipts disabled")
		return nil
	}
	return key
}

// Start launches every registered service and blocks until shutdown.
func (n *AggregatorNode) Start() {
	n.lock.Lock()
	n.services.StartAll()
	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the aggregator node")
	}()

	<-stop
}

// Close stops every service in reverse registration order and releases the
// database.
func (n *AggregatorNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping aggregator node")
	n.services.StopAll()
	if err := n.db.Close(n.ctx); err != nil {
		log.WithError(err).Error("Could not close database")
	}
	n.cancel()
	close(n.stop)
}
