// Package smt implements the in-memory sparse Merkle tree witnessing every
// aggregated commitment. The tree spans the full 256-bit key space at fixed
// depth; absent subtrees hash to precomputed per-height defaults, so the
// root is well defined for any subset of leaves.
package smt

import (
	"bytes"
	"crypto/sha256"
	"math/big"
	"sync"

	"github.com/pkg/errors"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/encoding/bytesutil"
)

// KeyDepth is the number of key bits, and therefore tree levels, below the root.
const KeyDepth = 256

// Domain separation tags for leaf and interior node hashing.
const (
	leafTag     = 0x00
	interiorTag = 0x01
)

// ErrLeafConflict is returned when a path is re-added with a different
// value. Such a conflict means two distinct commitments claim the same
// request fingerprint and is fatal to the caller.
var ErrLeafConflict = errors.New("smt: leaf already exists with a different value")

// Leaf is a (path, value) pair. The path is the 256-bit big-endian numeric
// value of the request id, the value is an opaque digest.
type Leaf struct {
	Path  *big.Int
	Value []byte
}

// emptyHashes[h] is the hash of an empty subtree of height h. Height 0 is
// the leaf level, where absence hashes to all zeros.
var emptyHashes = func() [KeyDepth + 1][32]byte {
	var out [KeyDepth + 1][32]byte
	for h := 1; h <= KeyDepth; h++ {
		out[h] = hashInterior(out[h-1], out[h-1])
	}
	return out
}()

type node struct {
	left, right *node
	// key and value are set only at leaf depth.
	key   [32]byte
	value []byte
	hash  [32]byte
	dirty bool
}

// SMT is a sparse Merkle tree with a single-threaded mutator discipline
// enforced by an internal mutex. Batch inserts defer hash recomputation
// until the next RootHash or GetPath call.
type SMT struct {
	mu    sync.Mutex
	root  *node
	count uint64
}

// New returns an empty tree.
func New() *SMT {
	return &SMT{root: &node{hash: emptyHashes[KeyDepth]}}
}

// AddLeaf inserts a single leaf. Re-adding the identical (path, value) pair
// is a no-op; any other conflict returns ErrLeafConflict.
func (s *SMT) AddLeaf(path *big.Int, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLeaf(path, value)
}

// AddLeaves inserts leaves in order, equivalent to sequential AddLeaf calls.
// The tree is left unchanged from the failing leaf onward.
func (s *SMT) AddLeaves(leaves []*Leaf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range leaves {
		if err := s.addLeaf(l.Path, l.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SMT) addLeaf(path *big.Int, value []byte) error {
	key := bytesutil.BigToBytes32(path)
	n := s.root
	trail := make([]*node, 0, KeyDepth+1)
	trail = append(trail, n)
	for depth := 0; depth < KeyDepth; depth++ {
		if keyBit(key, depth) == 0 {
			if n.left == nil {
				n.left = &node{}
			}
			n = n.left
		} else {
			if n.right == nil {
				n.right = &node{}
			}
			n = n.right
		}
		trail = append(trail, n)
	}
	if n.value != nil {
		if bytes.Equal(n.value, value) {
			return nil
		}
		return errors.Wrapf(ErrLeafConflict, "path %s", path.String())
	}
	n.key = key
	n.value = bytesutil.SafeCopyBytes(value)
	s.count++
	for _, t := range trail {
		t.dirty = true
	}
	return nil
}

// RootHash returns the current root as a tagged imprint, recomputing any
// subtrees dirtied by batch inserts.
func (s *SMT) RootHash() types.Imprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := s.recompute(s.root, 0)
	return types.NewImprint(types.Sha256, root[:])
}

// LeafCount returns the number of distinct leaves inserted.
func (s *SMT) LeafCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// GetPath extracts a verifiable Merkle path for the given key. The returned
// path is valid whether or not the leaf exists; a non-inclusion path proves
// the slot is empty.
func (s *SMT) GetPath(path *big.Int) *MerklePath {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bytesutil.BigToBytes32(path)
	root := s.recompute(s.root, 0)

	mp := &MerklePath{
		Root:   types.NewImprint(types.Sha256, root[:]),
		Bitmap: make([]byte, KeyDepth/8),
	}
	n := s.root
	for depth := 0; depth < KeyDepth; depth++ {
		if n == nil {
			break
		}
		var next, sibling *node
		if keyBit(key, depth) == 0 {
			next, sibling = n.left, n.right
		} else {
			next, sibling = n.right, n.left
		}
		if sibling != nil {
			// Non-default sibling: record its hash and flag the level.
			mp.Bitmap[depth/8] |= 1 << (7 - depth%8)
			sib := sibling.hash
			mp.Siblings = append(mp.Siblings, sib[:])
		}
		n = next
	}
	if n != nil && n.value != nil {
		mp.LeafValue = bytesutil.SafeCopyBytes(n.value)
	}
	return mp
}

// recompute refreshes dirty hashes below n and returns n's hash.
func (s *SMT) recompute(n *node, depth int) [32]byte {
	if n == nil {
		return emptyHashes[KeyDepth-depth]
	}
	if !n.dirty {
		return n.hash
	}
	if depth == KeyDepth {
		n.hash = hashLeaf(n.key, n.value)
	} else {
		left := s.recompute(n.left, depth+1)
		right := s.recompute(n.right, depth+1)
		n.hash = hashInterior(left, right)
	}
	n.dirty = false
	return n.hash
}

func keyBit(key [32]byte, depth int) byte {
	return key[depth/8] >> (7 - depth%8) & 1
}

func hashLeaf(key [32]byte, value []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{leafTag})
	h.Write(key[:])
	h.Write(value)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashInterior(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{interiorTag})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
