package mongodb

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/encoding/bytesutil"
)

// Commitment lifecycle states in the pending queue.
const (
	statePending    = "PENDING"
	stateProcessing = "PROCESSING"
)

type authenticatorDoc struct {
	Algorithm string `bson:"algorithm"`
	PublicKey []byte `bson:"publicKey"`
	Signature []byte `bson:"signature"`
	StateHash string `bson:"stateHash"`
}

func newAuthenticatorDoc(a *types.Authenticator) authenticatorDoc {
	return authenticatorDoc{
		Algorithm: a.Algorithm,
		PublicKey: a.PublicKey,
		Signature: a.Signature,
		StateHash: a.StateHash.String(),
	}
}

func (d authenticatorDoc) decode() (types.Authenticator, error) {
	stateHash, err := types.ImprintFromHex(d.StateHash)
	if err != nil {
		return types.Authenticator{}, errors.Wrap(err, "state hash")
	}
	return types.Authenticator{
		Algorithm: d.Algorithm,
		PublicKey: d.PublicKey,
		Signature: d.Signature,
		StateHash: stateHash,
	}, nil
}

type recordDoc struct {
	RequestID       string           `bson:"_id"`
	TransactionHash string           `bson:"transactionHash"`
	Authenticator   authenticatorDoc `bson:"authenticator"`
	SequenceID      int64            `bson:"sequenceId"`
}

func newRecordDoc(r *types.AggregatorRecord) recordDoc {
	return recordDoc{
		RequestID:       r.RequestID.String(),
		TransactionHash: r.TransactionHash.String(),
		Authenticator:   newAuthenticatorDoc(&r.Authenticator),
		SequenceID:      int64(r.SequenceID),
	}
}

func (d recordDoc) decode() (*types.AggregatorRecord, error) {
	requestID, err := types.ImprintFromHex(d.RequestID)
	if err != nil {
		return nil, errors.Wrap(err, "request id")
	}
	txHash, err := types.ImprintFromHex(d.TransactionHash)
	if err != nil {
		return nil, errors.Wrap(err, "transaction hash")
	}
	auth, err := d.Authenticator.decode()
	if err != nil {
		return nil, err
	}
	return &types.AggregatorRecord{
		RequestID:       requestID,
		TransactionHash: txHash,
		Authenticator:   auth,
		SequenceID:      uint64(d.SequenceID),
	}, nil
}

type commitmentDoc struct {
	RequestID       string           `bson:"requestId"`
	TransactionHash string           `bson:"transactionHash"`
	Authenticator   authenticatorDoc `bson:"authenticator"`
	State           string           `bson:"state"`
	IngestedAt      time.Time        `bson:"ingestedAt"`
}

func newCommitmentDoc(c *types.Commitment) commitmentDoc {
	return commitmentDoc{
		RequestID:       c.RequestID.String(),
		TransactionHash: c.TransactionHash.String(),
		Authenticator:   newAuthenticatorDoc(&c.Authenticator),
		State:           statePending,
		IngestedAt:      time.Now().UTC(),
	}
}

func (d commitmentDoc) decode() (*types.Commitment, error) {
	requestID, err := types.ImprintFromHex(d.RequestID)
	if err != nil {
		return nil, errors.Wrap(err, "request id")
	}
	txHash, err := types.ImprintFromHex(d.TransactionHash)
	if err != nil {
		return nil, errors.Wrap(err, "transaction hash")
	}
	auth, err := d.Authenticator.decode()
	if err != nil {
		return nil, err
	}
	return &types.Commitment{
		RequestID:       requestID,
		TransactionHash: txHash,
		Authenticator:   auth,
	}, nil
}

type blockDoc struct {
	Index               int64   `bson:"_id"`
	ChainID             int64   `bson:"chainId"`
	Version             int64   `bson:"version"`
	ForkID              int64   `bson:"forkId"`
	Timestamp           int64   `bson:"timestamp"`
	AnchorProof         []byte  `bson:"anchorProof"`
	PreviousBlockHash   string  `bson:"previousBlockHash"`
	RootHash            string  `bson:"rootHash"`
	NoDeletionProofHash *string `bson:"noDeletionProofHash"`
}

func newBlockDoc(b *types.Block) blockDoc {
	doc := blockDoc{
		Index:             int64(b.Index),
		ChainID:           int64(b.ChainID),
		Version:           int64(b.Version),
		ForkID:            int64(b.ForkID),
		Timestamp:         int64(b.Timestamp),
		AnchorProof:       b.AnchorProof,
		PreviousBlockHash: b.PreviousBlockHash.String(),
		RootHash:          b.RootHash.String(),
	}
	if b.NoDeletionProofHash != nil {
		s := b.NoDeletionProofHash.String()
		doc.NoDeletionProofHash = &s
	}
	return doc
}

func (d blockDoc) decode() (*types.Block, error) {
	prev, err := types.ImprintFromHex(d.PreviousBlockHash)
	if err != nil {
		return nil, errors.Wrap(err, "previous block hash")
	}
	root, err := types.ImprintFromHex(d.RootHash)
	if err != nil {
		return nil, errors.Wrap(err, "root hash")
	}
	b := &types.Block{
		Index:             uint64(d.Index),
		ChainID:           uint64(d.ChainID),
		Version:           uint64(d.Version),
		ForkID:            uint64(d.ForkID),
		Timestamp:         uint64(d.Timestamp),
		AnchorProof:       d.AnchorProof,
		PreviousBlockHash: prev,
		RootHash:          root,
	}
	if d.NoDeletionProofHash != nil {
		im, err := types.ImprintFromHex(*d.NoDeletionProofHash)
		if err != nil {
			return nil, errors.Wrap(err, "no deletion proof hash")
		}
		b.NoDeletionProofHash = &im
	}
	return b, nil
}

type blockRecordsDoc struct {
	BlockNumber int64    `bson:"_id"`
	RequestIDs  []string `bson:"requestIds"`
}

func newBlockRecordsDoc(br *types.BlockRecords) blockRecordsDoc {
	ids := make([]string, len(br.RequestIDs))
	for i, id := range br.RequestIDs {
		ids[i] = id.String()
	}
	return blockRecordsDoc{BlockNumber: int64(br.BlockNumber), RequestIDs: ids}
}

func (d blockRecordsDoc) decode() (*types.BlockRecords, error) {
	ids := make([]types.Imprint, len(d.RequestIDs))
	for i, s := range d.RequestIDs {
		im, err := types.ImprintFromHex(s)
		if err != nil {
			return nil, errors.Wrapf(err, "request id %d", i)
		}
		ids[i] = im
	}
	return &types.BlockRecords{BlockNumber: uint64(d.BlockNumber), RequestIDs: ids}, nil
}

type leafDoc struct {
	Path       string `bson:"_id"`
	Value      []byte `bson:"value"`
	SequenceID int64  `bson:"sequenceId"`
}

// leafPathKey renders an SMT path as a fixed-width hex key so that string
// equality matches numeric equality.
func leafPathKey(path *big.Int) string {
	key := bytesutil.BigToBytes32(path)
	return hex.EncodeToString(key[:])
}

func newLeafDoc(leaf *smt.Leaf, sequenceID uint64) leafDoc {
	return leafDoc{
		Path:       leafPathKey(leaf.Path),
		Value:      leaf.Value,
		SequenceID: int64(sequenceID),
	}
}

func (d leafDoc) decode() (*smt.Leaf, error) {
	raw, err := hex.DecodeString(d.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed leaf path %q", d.Path)
	}
	return &smt.Leaf{Path: new(big.Int).SetBytes(raw), Value: d.Value}, nil
}
