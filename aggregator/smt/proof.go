package smt

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/encoding/bytesutil"
)

// MerklePath is a verifiable path from a key slot to the root. Default
// (empty subtree) siblings are elided: bit d of the bitmap flags that the
// sibling at depth d is explicitly present in Siblings, top-down.
//
// A path with a nil LeafValue is a valid non-inclusion proof: it shows the
// key's slot hashes to the empty-leaf default under the stated root.
type MerklePath struct {
	Root      types.Imprint   `json:"root"`
	Bitmap    hexutil.Bytes   `json:"bitmap"`
	Siblings  []hexutil.Bytes `json:"siblings"`
	LeafValue hexutil.Bytes   `json:"leafValue,omitempty"`
}

// Errors returned by Verify.
var (
	ErrPathMalformed = errors.New("smt: malformed merkle path")
	ErrPathMismatch  = errors.New("smt: merkle path does not match root")
)

// Includes reports whether the path proves inclusion (as opposed to proving
// the slot is empty).
func (p *MerklePath) Includes() bool {
	return p.LeafValue != nil
}

// Verify recomputes the root from the leaf slot of the given key and
// compares it against the stated root. It returns nil for both valid
// inclusion and valid non-inclusion paths.
func (p *MerklePath) Verify(path *big.Int) error {
	if len(p.Bitmap) != KeyDepth/8 {
		return errors.Wrap(ErrPathMalformed, "bitmap must cover one bit per level")
	}
	if err := p.Root.Validate(); err != nil {
		return errors.Wrap(ErrPathMalformed, err.Error())
	}
	want := len(p.Siblings)
	key := bytesutil.BigToBytes32(path)

	var cur [32]byte
	if p.LeafValue != nil {
		cur = hashLeaf(key, p.LeafValue)
	}
	next := want
	for depth := KeyDepth - 1; depth >= 0; depth-- {
		var sibling [32]byte
		if p.Bitmap[depth/8]>>(7-depth%8)&1 == 1 {
			next--
			if next < 0 {
				return errors.Wrap(ErrPathMalformed, "bitmap flags more siblings than provided")
			}
			if len(p.Siblings[next]) != 32 {
				return errors.Wrap(ErrPathMalformed, "sibling hashes must be 32 bytes")
			}
			copy(sibling[:], p.Siblings[next])
		} else {
			sibling = emptyHashes[KeyDepth-depth-1]
		}
		if keyBit(key, depth) == 0 {
			cur = hashInterior(cur, sibling)
		} else {
			cur = hashInterior(sibling, cur)
		}
	}
	if next != 0 {
		return errors.Wrap(ErrPathMalformed, "more siblings provided than the bitmap flags")
	}
	if !bytes.Equal(cur[:], p.Root.Digest()) {
		return ErrPathMismatch
	}
	return nil
}
