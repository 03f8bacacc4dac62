// Package util defines test helpers shared across aggregator packages.
package util

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/testing/require"
)

// NewTestKey generates a secp256k1 key for commitment signing.
func NewTestKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate secp256k1 key")
	return key
}

// NewSignedCommitment builds a fully valid commitment: the request id is
// derived from the key and state seed, and the authenticator signs the
// transaction hash imprint.
func NewSignedCommitment(t *testing.T, key *ecdsa.PrivateKey, stateSeed, txSeed []byte) *types.Commitment {
	stateHash := types.Sha256Imprint(stateSeed)
	transactionHash := types.Sha256Imprint(txSeed)
	return SignCommitment(t, key, stateHash, transactionHash)
}

// SignCommitment signs the given transaction hash under the given state hash.
func SignCommitment(t *testing.T, key *ecdsa.PrivateKey, stateHash, transactionHash types.Imprint) *types.Commitment {
	pub := crypto.CompressPubkey(&key.PublicKey)
	digest := sha256.Sum256(transactionHash)
	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err, "Failed to sign transaction hash")
	return &types.Commitment{
		RequestID:       types.CreateRequestID(pub, stateHash),
		TransactionHash: transactionHash,
		Authenticator: types.Authenticator{
			Algorithm: types.SignatureAlgSecp256k1,
			PublicKey: pub,
			Signature: sig,
			StateHash: stateHash,
		},
	}
}
