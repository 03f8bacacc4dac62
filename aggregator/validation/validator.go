// Package validation gatekeeps commitment submissions. A commitment enters
// the pending queue only after its request id derivation and secp256k1
// authenticator check out and no conflicting record exists.
package validation

import (
	"context"
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/types"
)

// Status classifies the outcome of commitment validation. The string values
// are part of the client-facing API.
type Status string

const (
	// StatusSuccess admits the commitment. It covers both fresh commitments
	// and exact resubmissions of an already aggregated one; callers use
	// Result.Exists to tell them apart.
	StatusSuccess Status = "SUCCESS"
	// StatusRequestIDMismatch rejects a request id that is not the
	// fingerprint of the submitted public key and state hash.
	StatusRequestIDMismatch Status = "REQUEST_ID_MISMATCH"
	// StatusAuthenticatorFailed rejects a commitment whose signature does
	// not verify over the transaction hash.
	StatusAuthenticatorFailed Status = "AUTHENTICATOR_VERIFICATION_FAILED"
	// StatusRequestIDExists rejects an attempt to bind an existing request
	// id to a different transaction hash.
	StatusRequestIDExists Status = "REQUEST_ID_EXISTS"
)

// Result is the outcome of validating one commitment.
type Result struct {
	Status Status
	// Exists is set with StatusSuccess when an identical commitment is
	// already aggregated, making the submission an idempotent no-op.
	Exists bool
}

// Validator checks commitments against their own cryptography and against
// the record store.
type Validator struct {
	records iface.RecordStore
}

// NewValidator creates a validator over the given record store.
func NewValidator(records iface.RecordStore) *Validator {
	return &Validator{records: records}
}

// Validate runs the full admission check. Only storage failures surface as
// errors; every cryptographic or consistency rejection is a Result.
func (v *Validator) Validate(ctx context.Context, c *types.Commitment) (Result, error) {
	if err := c.RequestID.Validate(); err != nil {
		return Result{Status: StatusRequestIDMismatch}, nil
	}
	if err := c.TransactionHash.Validate(); err != nil {
		return Result{Status: StatusAuthenticatorFailed}, nil
	}
	if err := c.Authenticator.Validate(); err != nil {
		return Result{Status: StatusAuthenticatorFailed}, nil
	}

	expected := types.CreateRequestID(c.Authenticator.PublicKey, c.Authenticator.StateHash)
	if !expected.Equal(c.RequestID) {
		return Result{Status: StatusRequestIDMismatch}, nil
	}

	if !verifySignature(c) {
		return Result{Status: StatusAuthenticatorFailed}, nil
	}

	existing, err := v.records.Record(ctx, c.RequestID)
	if err != nil {
		return Result{}, errors.Wrap(err, "could not look up request id")
	}
	if existing == nil {
		return Result{Status: StatusSuccess}, nil
	}
	if existing.TransactionHash.Equal(c.TransactionHash) {
		return Result{Status: StatusSuccess, Exists: true}, nil
	}
	return Result{Status: StatusRequestIDExists}, nil
}

// verifySignature checks the 65 byte [R ‖ S ‖ V] signature over the sha256
// of the transaction hash imprint. The recovery byte is ignored since the
// public key travels with the commitment.
func verifySignature(c *types.Commitment) bool {
	digest := sha256.Sum256(c.TransactionHash)
	return crypto.VerifySignature(c.Authenticator.PublicKey, digest[:], c.Authenticator.Signature[:64])
}
