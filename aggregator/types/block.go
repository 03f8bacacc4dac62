package types

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// Block is a sealed unit containing the SMT root after a round, the external
// anchor proof, and the previous block's witnessed root. Blocks never mutate.
type Block struct {
	Index             uint64        `json:"index,string"`
	ChainID           uint64        `json:"chainId,string"`
	Version           uint64        `json:"version,string"`
	ForkID            uint64        `json:"forkId,string"`
	Timestamp         uint64        `json:"timestamp,string"`
	AnchorProof       hexutil.Bytes `json:"anchorProof"`
	PreviousBlockHash Imprint       `json:"previousBlockHash"`
	RootHash          Imprint       `json:"rootHash"`
	// NoDeletionProofHash is reserved; it is carried as null until the
	// no-deletion proof is specified.
	NoDeletionProofHash *Imprint `json:"noDeletionProofHash"`
}

// Validate checks structural block invariants.
func (b *Block) Validate() error {
	if b.Index == 0 {
		return errors.New("block index must be positive")
	}
	if err := b.RootHash.Validate(); err != nil {
		return errors.Wrap(err, "root hash")
	}
	if err := b.PreviousBlockHash.Validate(); err != nil {
		return errors.Wrap(err, "previous block hash")
	}
	return nil
}

// BlockRecords lists the request fingerprints newly admitted during a round,
// in canonical insertion order. One exists per block, possibly empty.
type BlockRecords struct {
	BlockNumber uint64    `json:"blockNumber,string"`
	RequestIDs  []Imprint `json:"requestIds"`
}
