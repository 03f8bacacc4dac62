package round_test

import (
	"context"
	"testing"
	"time"

	"github.com/unicitylabs/aggregator/aggregator/anchor"
	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/db/memory"
	"github.com/unicitylabs/aggregator/aggregator/round"
	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/config/params"
	"github.com/unicitylabs/aggregator/testing/require"
	"github.com/unicitylabs/aggregator/testing/util"
)

type fixture struct {
	svc    *round.Service
	store  *memory.Store
	tree   *smt.SMT
	anchor *anchor.Mock
}

func newFixture(t *testing.T) *fixture {
	initial, err := types.ImprintFromHex(params.DefaultInitialBlockHash)
	require.NoError(t, err)
	store := memory.NewStore()
	tree := smt.New()
	mock := anchor.NewMock()
	svc, err := round.NewService(context.Background(), &round.Config{
		Database:              store,
		SMT:                   tree,
		Anchor:                mock,
		ChainID:               1,
		Version:               1,
		ForkID:                1,
		InitialBlockHash:      initial,
		BlockCreationWaitTime: 2 * time.Second,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, tree: tree, anchor: mock}
}

func TestCreateBlock_FirstRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := util.NewTestKey(t)
	c1 := util.NewSignedCommitment(t, key, []byte("s1"), []byte("t1"))
	c2 := util.NewSignedCommitment(t, key, []byte("s2"), []byte("t2"))
	require.NoError(t, f.svc.SubmitCommitment(ctx, c1))
	require.NoError(t, f.svc.SubmitCommitment(ctx, c2))

	block, err := f.svc.CreateBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), block.Index)
	require.Equal(t, params.DefaultInitialBlockHash, block.PreviousBlockHash.String()[2:])
	require.Equal(t, true, block.RootHash.Equal(f.tree.RootHash()))
	require.Equal(t, (*types.Imprint)(nil), block.NoDeletionProofHash)

	// Records, leaves and block records all landed.
	rec, err := f.store.Record(ctx, c1.RequestID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	br, err := f.store.BlockRecords(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, len(br.RequestIDs))
	proof := f.tree.GetPath(c1.RequestID.Big())
	require.NoError(t, proof.Verify(c1.RequestID.Big()))

	// The queue was confirmed.
	drained, err := f.store.DrainForBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, len(drained))
}

func TestCreateBlock_EmptyRoundChainsOnWitness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	b1, err := f.svc.CreateBlock(ctx)
	require.NoError(t, err)
	b2, err := f.svc.CreateBlock(ctx)
	require.NoError(t, err)

	require.Equal(t, uint64(1), b1.Index)
	require.Equal(t, uint64(2), b2.Index)
	// Empty rounds keep anchoring; block 2 chains on block 1's witnessed
	// root.
	require.Equal(t, true, b2.PreviousBlockHash.Equal(b1.RootHash))
	require.Equal(t, 2, f.anchor.Submitted)
}

func TestCreateBlock_AnchorFailureRetainsQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := util.NewTestKey(t)
	c := util.NewSignedCommitment(t, key, []byte("s"), []byte("t"))
	require.NoError(t, f.svc.SubmitCommitment(ctx, c))

	f.anchor.Err = context.DeadlineExceeded
	_, err := f.svc.CreateBlock(ctx)
	require.ErrorContains(t, "could not anchor root hash", err)

	// The aborted round left the entry processing; the retry drains it
	// again and the re-inserted record and leaf are no-ops.
	block, err := f.svc.CreateBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), block.Index)
	br, err := f.store.BlockRecords(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, len(br.RequestIDs))
	rec, err := f.store.Record(ctx, c.RequestID)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestCreateBlock_ConflictingPairSameRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := util.NewTestKey(t)

	// Concurrent submissions sharing a request id but carrying different
	// transaction hashes can both pass validation before either is recorded.
	// The first one wins the round; the loser must not reach the tree.
	state := types.Sha256Imprint([]byte("shared-state"))
	c1 := util.SignCommitment(t, key, state, types.Sha256Imprint([]byte("t1")))
	c2 := util.SignCommitment(t, key, state, types.Sha256Imprint([]byte("t2")))
	require.Equal(t, true, c1.RequestID.Equal(c2.RequestID))
	require.NoError(t, f.svc.SubmitCommitment(ctx, c1))
	require.NoError(t, f.svc.SubmitCommitment(ctx, c2))

	block, err := f.svc.CreateBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), block.Index)
	br, err := f.store.BlockRecords(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, len(br.RequestIDs))

	rec, err := f.store.Record(ctx, c1.RequestID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, true, rec.TransactionHash.Equal(c1.TransactionHash))

	// Production keeps going; the conflict did not poison later rounds.
	b2, err := f.svc.CreateBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), b2.Index)
}

func TestCreateBlock_DuplicateSubmissionsSameRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := util.NewTestKey(t)
	c := util.NewSignedCommitment(t, key, []byte("s"), []byte("t"))
	require.NoError(t, f.svc.SubmitCommitment(ctx, c))
	require.NoError(t, f.svc.SubmitCommitment(ctx, c))

	_, err := f.svc.CreateBlock(ctx)
	require.NoError(t, err)
	br, err := f.store.BlockRecords(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, len(br.RequestIDs))
}

func TestCreateBlock_ConflictWithRecordedCommitmentDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := util.NewTestKey(t)
	state := types.Sha256Imprint([]byte("state"))
	c1 := util.SignCommitment(t, key, state, types.Sha256Imprint([]byte("t1")))
	require.NoError(t, f.svc.SubmitCommitment(ctx, c1))
	_, err := f.svc.CreateBlock(ctx)
	require.NoError(t, err)

	// A conflicting payload for an already aggregated request id that slips
	// into the queue seals an empty block instead of wedging production.
	c2 := util.SignCommitment(t, key, state, types.Sha256Imprint([]byte("t2")))
	require.NoError(t, f.store.PutCommitment(ctx, c2))
	b2, err := f.svc.CreateBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), b2.Index)
	br, err := f.store.BlockRecords(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 0, len(br.RequestIDs))
	rec, err := f.store.Record(ctx, c1.RequestID)
	require.NoError(t, err)
	require.Equal(t, true, rec.TransactionHash.Equal(c1.TransactionHash))
}

type failingLeafWrites struct {
	iface.Database
	err error
}

func (f *failingLeafWrites) PutLeafBatch(_ context.Context, _ []*smt.Leaf) error {
	return f.err
}

func TestCreateBlock_PersistErrorNotMaskedByTreeError(t *testing.T) {
	ctx := context.Background()
	initial, err := types.ImprintFromHex(params.DefaultInitialBlockHash)
	require.NoError(t, err)
	store := memory.NewStore()
	tree := smt.New()
	svc, err := round.NewService(context.Background(), &round.Config{
		Database:              &failingLeafWrites{Database: store, err: context.DeadlineExceeded},
		SMT:                   tree,
		Anchor:                anchor.NewMock(),
		ChainID:               1,
		Version:               1,
		ForkID:                1,
		InitialBlockHash:      initial,
		BlockCreationWaitTime: 2 * time.Second,
	})
	require.NoError(t, err)

	key := util.NewTestKey(t)
	c := util.NewSignedCommitment(t, key, []byte("s"), []byte("t"))
	require.NoError(t, svc.SubmitCommitment(ctx, c))
	// Make the tree reject the leaf too; the persistence failure must still
	// be awaited and reported.
	require.NoError(t, tree.AddLeaf(c.RequestID.Big(), []byte("other value")))

	_, err = svc.CreateBlock(ctx)
	require.ErrorContains(t, "could not persist round data", err)
}

func TestBlockProduction_TimerSealsBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.svc.StartBlockProduction(ctx)
	defer f.svc.StopBlockProduction(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		latest, err := f.store.LatestBlock(ctx)
		require.NoError(t, err)
		if latest != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer produced no block")
		}
		time.Sleep(50 * time.Millisecond)
	}

	f.svc.StopBlockProduction(ctx)
	latest, err := f.store.LatestBlock(ctx)
	require.NoError(t, err)
	sealed := latest.Index

	// Disarmed production seals nothing new.
	time.Sleep(1500 * time.Millisecond)
	latest, err = f.store.LatestBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, sealed, latest.Index)
}
