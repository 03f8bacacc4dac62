package rpc

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/unicitylabs/aggregator/aggregator/types"
)

// ReceiptRequest is the acknowledged submission, bound by its hash.
type ReceiptRequest struct {
	Service         string        `json:"service"`
	Method          string        `json:"method"`
	RequestID       types.Imprint `json:"requestId"`
	StateHash       types.Imprint `json:"stateHash"`
	TransactionHash types.Imprint `json:"transactionHash"`
	Hash            types.Imprint `json:"hash"`
}

// Receipt is a signed acknowledgment that the aggregator accepted a
// commitment. The signature is over the request hash, with the same scheme
// clients use on commitments.
type Receipt struct {
	Request   ReceiptRequest `json:"request"`
	Algorithm string         `json:"algorithm"`
	PublicKey hexutil.Bytes  `json:"publicKey"`
	Signature hexutil.Bytes  `json:"signature"`
}

const (
	receiptService = "aggregator"
	receiptMethod  = "submit_commitment"
)

func (s *Service) signReceipt(c *types.Commitment) (*Receipt, error) {
	if s.cfg.ReceiptKey == nil {
		return nil, errors.New("receipt signing key is not configured")
	}
	req := ReceiptRequest{
		Service:         receiptService,
		Method:          receiptMethod,
		RequestID:       c.RequestID,
		StateHash:       c.Authenticator.StateHash,
		TransactionHash: c.TransactionHash,
	}
	req.Hash = types.Sha256Imprint(
		[]byte(req.Service),
		[]byte(req.Method),
		req.RequestID,
		req.StateHash,
		req.TransactionHash,
	)
	digest := sha256.Sum256(req.Hash)
	sig, err := crypto.Sign(digest[:], s.cfg.ReceiptKey)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign receipt")
	}
	return &Receipt{
		Request:   req,
		Algorithm: types.SignatureAlgSecp256k1,
		PublicKey: crypto.CompressPubkey(&s.cfg.ReceiptKey.PublicKey),
		Signature: sig,
	}, nil
}
