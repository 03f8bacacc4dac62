package types_test

import (
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/testing/assert"
	"github.com/unicitylabs/aggregator/testing/require"
)

func TestImprint_TagAndDigest(t *testing.T) {
	im := types.Sha256Imprint([]byte("hello"))
	require.NoError(t, im.Validate())
	assert.Equal(t, types.Sha256, im.Algorithm())
	sum := sha256.Sum256([]byte("hello"))
	assert.DeepEqual(t, sum[:], im.Digest())
	assert.Equal(t, 2+sha256.Size, len(im))
}

func TestImprint_ConcatenationMatters(t *testing.T) {
	a := types.Sha256Imprint([]byte("ab"), []byte("c"))
	b := types.Sha256Imprint([]byte("a"), []byte("bc"))
	// Chunk boundaries do not affect the digest.
	assert.Equal(t, true, a.Equal(b))
	c := types.Sha256Imprint([]byte("abd"))
	assert.Equal(t, false, a.Equal(c))
}

func TestImprint_HexRoundTrip(t *testing.T) {
	im := types.Sha256Imprint([]byte("payload"))
	parsed, err := types.ImprintFromHex(im.String())
	require.NoError(t, err)
	assert.Equal(t, true, im.Equal(parsed))

	// Bare hex without the 0x prefix parses too.
	parsed, err = types.ImprintFromHex(im.String()[2:])
	require.NoError(t, err)
	assert.Equal(t, true, im.Equal(parsed))
}

func TestImprint_Validate(t *testing.T) {
	_, err := types.ImprintFromHex("0x00")
	assert.ErrorContains(t, "shorter than algorithm tag", err)

	_, err = types.ImprintFromHex("0xffff" + "00")
	assert.ErrorContains(t, "unknown hash algorithm", err)

	_, err = types.ImprintFromHex("0x0000" + "abcd")
	assert.ErrorContains(t, "digest must be 32 bytes", err)

	_, err = types.ImprintFromHex("zz")
	assert.ErrorContains(t, "invalid imprint hex", err)
}

func TestImprint_JSON(t *testing.T) {
	im := types.Sha256Imprint([]byte("x"))
	enc, err := json.Marshal(im)
	require.NoError(t, err)

	var out types.Imprint
	require.NoError(t, json.Unmarshal(enc, &out))
	assert.Equal(t, true, im.Equal(out))

	assert.ErrorContains(t, "unknown hash algorithm", json.Unmarshal([]byte(`"0xffff00"`), &out))
}

func TestImprint_Big(t *testing.T) {
	im := types.NewImprint(types.Sha256, make([]byte, 31+1))
	assert.Equal(t, 0, im.Big().Sign())

	digest := make([]byte, 32)
	digest[31] = 5
	im = types.NewImprint(types.Sha256, digest)
	assert.Equal(t, 0, im.Big().Cmp(big.NewInt(5)))
}

func TestCreateRequestID_Deterministic(t *testing.T) {
	state := types.Sha256Imprint([]byte("state"))
	pub := []byte("pubkey")
	r1 := types.CreateRequestID(pub, state)
	r2 := types.CreateRequestID(pub, state)
	assert.Equal(t, true, r1.Equal(r2))

	r3 := types.CreateRequestID([]byte("other"), state)
	assert.Equal(t, false, r1.Equal(r3))
}
