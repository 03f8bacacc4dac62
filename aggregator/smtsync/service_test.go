package smtsync

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/db/memory"
	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/testing/require"
	"github.com/unicitylabs/aggregator/testing/util"
)

// seedLeader persists n commitments the way a leader round would: record
// store, leaf store and a block records event.
func seedLeader(t *testing.T, store *memory.Store, leaderTree *smt.SMT, blockNumber uint64, n int) *types.BlockRecords {
	t.Helper()
	ctx := context.Background()
	key := util.NewTestKey(t)
	var leaves []*smt.Leaf
	var ids []types.Imprint
	for i := 0; i < n; i++ {
		c := util.NewSignedCommitment(t, key,
			[]byte(fmt.Sprintf("state-%d-%d", blockNumber, i)),
			[]byte(fmt.Sprintf("tx-%d-%d", blockNumber, i)))
		leaves = append(leaves, &smt.Leaf{
			Path:  c.RequestID.Big(),
			Value: types.LeafValue(&c.Authenticator, c.TransactionHash),
		})
		ids = append(ids, c.RequestID)
	}
	require.NoError(t, store.PutLeafBatch(ctx, leaves))
	require.NoError(t, leaderTree.AddLeaves(leaves))
	return &types.BlockRecords{BlockNumber: blockNumber, RequestIDs: ids}
}

func testBlock(index uint64, root types.Imprint) *types.Block {
	return &types.Block{
		Index:             index,
		ChainID:           1,
		Version:           1,
		ForkID:            1,
		Timestamp:         uint64(time.Now().UnixMilli()),
		PreviousBlockHash: types.Sha256Imprint([]byte("prev")),
		RootHash:          root,
	}
}

func TestReloadTree_MatchesOriginalRoot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	leaderTree := smt.New()
	for b := uint64(1); b <= 3; b++ {
		seedLeader(t, store, leaderTree, b, 40)
	}

	reloaded := smt.New()
	require.NoError(t, ReloadTree(ctx, store, reloaded))
	require.Equal(t, true, reloaded.RootHash().Equal(leaderTree.RootHash()))
	require.Equal(t, leaderTree.LeafCount(), reloaded.LeafCount())
}

func TestSync_FollowerConverges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	leaderTree := smt.New()
	followerTree := smt.New()

	svc := NewService(ctx, &Config{Database: store, SMT: followerTree, ServerID: "follower-1"})
	svc.baseDelay = time.Millisecond
	svc.Start()
	defer func() {
		require.NoError(t, svc.Stop())
	}()
	time.Sleep(100 * time.Millisecond)

	for b := uint64(1); b <= 3; b++ {
		br := seedLeader(t, store, leaderTree, b, 10)
		require.NoError(t, store.PutBlockWithRecords(ctx, testBlock(b, leaderTree.RootHash()), br))
	}
	// Empty blocks are a no-op for the tree.
	require.NoError(t, store.PutBlockWithRecords(ctx, testBlock(4, leaderTree.RootHash()), &types.BlockRecords{BlockNumber: 4}))

	deadline := time.Now().Add(5 * time.Second)
	for !followerTree.RootHash().Equal(leaderTree.RootHash()) {
		if time.Now().After(deadline) {
			t.Fatalf("follower root %s never converged to %s", followerTree.RootHash(), leaderTree.RootHash())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSync_MissingLeavesAreFatal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	followerTree := smt.New()

	svc := NewService(ctx, &Config{Database: store, SMT: followerTree, ServerID: "follower-2"})
	svc.baseDelay = time.Millisecond
	fatal := make(chan string, 1)
	svc.fatalf = func(format string, args ...interface{}) {
		fatal <- fmt.Sprintf(format, args...)
	}
	svc.Start()
	defer func() {
		require.NoError(t, svc.Stop())
	}()
	time.Sleep(100 * time.Millisecond)

	// An event referencing a leaf that never lands in the leaf store must
	// exhaust the retries and terminate the process.
	orphan := types.Sha256Imprint([]byte("never written"))
	br := &types.BlockRecords{BlockNumber: 1, RequestIDs: []types.Imprint{orphan}}
	require.NoError(t, store.PutBlockWithRecords(ctx, testBlock(1, types.Sha256Imprint([]byte("root"))), br))

	select {
	case msg := <-fatal:
		require.Equal(t, true, len(msg) > 0)
	case <-time.After(5 * time.Second):
		t.Fatal("missing leaves did not terminate synchronization")
	}
}

type countingLeafReads struct {
	iface.Database
	calls int64
}

func (c *countingLeafReads) LeavesByPaths(ctx context.Context, paths []*big.Int) ([]*smt.Leaf, error) {
	atomic.AddInt64(&c.calls, 1)
	return c.Database.LeavesByPaths(ctx, paths)
}

func TestFetchLeaves_InitialReadPlusFiveRetries(t *testing.T) {
	ctx := context.Background()
	store := &countingLeafReads{Database: memory.NewStore()}

	svc := NewService(ctx, &Config{Database: store, SMT: smt.New(), ServerID: "follower-3"})
	svc.baseDelay = time.Millisecond
	orphan := types.Sha256Imprint([]byte("absent"))
	_, err := svc.fetchLeaves(ctx, []*big.Int{orphan.Big()})
	require.ErrorContains(t, "still missing after 5 retries", err)
	require.Equal(t, int64(6), atomic.LoadInt64(&store.calls))
	require.NoError(t, svc.Stop())
}

func TestStartSync_Idempotent(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(context.Background(), &Config{Database: store, SMT: smt.New(), ServerID: "x"})
	svc.StartSync(context.Background())
	svc.StartSync(context.Background())
	svc.StopSync(context.Background())
	svc.StopSync(context.Background())
	require.NoError(t, svc.Stop())
}
