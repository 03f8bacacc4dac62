// Package anchor submits sealed SMT roots to the external trust-anchor
// ledger and returns the ledger's proof material. The ledger is slow and
// externally total-ordered; the round pipeline treats it as a black box.
package anchor

import (
	"context"

	"github.com/unicitylabs/aggregator/aggregator/types"
)

// Response is the ledger's answer to a root hash submission.
type Response struct {
	// Proof is the opaque ledger transaction proof stored in the block.
	Proof []byte
	// PreviousRootWitness is the root submitted on the immediately prior
	// successful call, or nil on the very first call. Blocks after the
	// first chain on it.
	PreviousRootWitness types.Imprint
	// Timestamp is the ledger round time in unix milliseconds. It becomes
	// the block timestamp.
	Timestamp uint64
}

// Client is the trust-anchor ledger contract. SubmitRootHash may take
// seconds and may fail transiently; resubmitting the same root is safe.
type Client interface {
	SubmitRootHash(ctx context.Context, root types.Imprint) (*Response, error)
}
