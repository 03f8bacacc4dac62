package types

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// SignatureAlgSecp256k1 is the only authenticator signature algorithm the
// aggregator currently accepts: a 65 byte [R ‖ S ‖ V] recoverable signature
// with a 33 byte compressed public key.
const SignatureAlgSecp256k1 = "secp256k1"

// Secp256k1 encoding lengths.
const (
	CompressedPubKeyLength = 33
	SignatureLength        = 65
)

// Authenticator proves the submitter authorizes the transaction hash under
// the claimed state. The signature is over the commitment's transactionHash
// imprint.
type Authenticator struct {
	Algorithm string        `json:"algorithm"`
	PublicKey hexutil.Bytes `json:"publicKey"`
	Signature hexutil.Bytes `json:"signature"`
	StateHash Imprint       `json:"stateHash"`
}

// Validate checks shape only; signature verification is the validator's job.
func (a *Authenticator) Validate() error {
	if a.Algorithm != SignatureAlgSecp256k1 {
		return errors.Errorf("unsupported signature algorithm %q", a.Algorithm)
	}
	if len(a.PublicKey) != CompressedPubKeyLength {
		return errors.Errorf("public key must be %d bytes, got %d", CompressedPubKeyLength, len(a.PublicKey))
	}
	if len(a.Signature) != SignatureLength {
		return errors.Errorf("signature must be %d bytes, got %d", SignatureLength, len(a.Signature))
	}
	return a.StateHash.Validate()
}

// Commitment is a client-signed proposal to add a state transition. It stays
// ephemeral until validated and enqueued.
type Commitment struct {
	RequestID       Imprint       `json:"requestId"`
	TransactionHash Imprint       `json:"transactionHash"`
	Authenticator   Authenticator `json:"authenticator"`
}

// CreateRequestID derives the request fingerprint from the submitter's
// public key and proposed state hash. Its numeric value doubles as the SMT
// path of the commitment.
func CreateRequestID(publicKey []byte, stateHash Imprint) Imprint {
	return Sha256Imprint(publicKey, stateHash)
}

// LeafValue derives the SMT leaf value of a commitment from its
// authenticator and transaction hash.
func LeafValue(a *Authenticator, transactionHash Imprint) []byte {
	return Sha256Imprint([]byte(a.Algorithm), a.PublicKey, a.Signature, a.StateHash, transactionHash)
}

// AggregatorRecord is the stored, canonical form of an accepted commitment.
// SequenceID is assigned by the record store on first insert and defines
// canonical insertion order within a block.
type AggregatorRecord struct {
	RequestID       Imprint       `json:"requestId"`
	TransactionHash Imprint       `json:"transactionHash"`
	Authenticator   Authenticator `json:"authenticator"`
	SequenceID      uint64        `json:"sequenceId,string"`
}

// NewAggregatorRecord canonicalizes a commitment.
func NewAggregatorRecord(c *Commitment, sequenceID uint64) *AggregatorRecord {
	return &AggregatorRecord{
		RequestID:       c.RequestID,
		TransactionHash: c.TransactionHash,
		Authenticator:   c.Authenticator,
		SequenceID:      sequenceID,
	}
}
