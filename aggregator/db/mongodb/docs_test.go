package mongodb

import (
	"math/big"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/testing/require"
)

func TestLeafPathKey_FixedWidth(t *testing.T) {
	small := leafPathKey(big.NewInt(1))
	require.Equal(t, 64, len(small))

	// Lexicographic key equality must match numeric equality regardless of
	// how the path was produced.
	fromHex, ok := new(big.Int).SetString("0000000000000000000000000000000000000000000000000000000000000001", 16)
	require.Equal(t, true, ok)
	require.Equal(t, small, leafPathKey(fromHex))

	doc := newLeafDoc(&smt.Leaf{Path: big.NewInt(77), Value: []byte{1, 2}}, 5)
	leaf, err := doc.decode()
	require.NoError(t, err)
	require.Equal(t, 0, leaf.Path.Cmp(big.NewInt(77)))
}

func TestBlockDoc_RoundTrip(t *testing.T) {
	b := &types.Block{
		Index:             42,
		ChainID:           1,
		Version:           1,
		ForkID:            1,
		Timestamp:         uint64(time.Now().UnixMilli()),
		AnchorProof:       []byte{0xaa, 0xbb},
		PreviousBlockHash: types.Sha256Imprint([]byte("prev")),
		RootHash:          types.Sha256Imprint([]byte("root")),
	}
	got, err := newBlockDoc(b).decode()
	require.NoError(t, err)
	require.Equal(t, b.Index, got.Index)
	require.Equal(t, true, got.RootHash.Equal(b.RootHash))
	require.Equal(t, true, got.PreviousBlockHash.Equal(b.PreviousBlockHash))
	require.Equal(t, (*types.Imprint)(nil), got.NoDeletionProofHash)
}

func TestIsHistoryLost(t *testing.T) {
	require.Equal(t, false, isHistoryLost(nil))
	require.Equal(t, false, isHistoryLost(mongo.CommandError{Code: 20}))
	require.Equal(t, true, isHistoryLost(mongo.CommandError{Code: changeStreamHistoryLost}))
}

func TestNextBackoff_Bounded(t *testing.T) {
	d := feedInitialBackoff
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	require.Equal(t, feedMaxBackoff, d)
}
