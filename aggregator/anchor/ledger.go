package anchor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/config/params"
)

var log = logrus.WithField("prefix", "anchor")

const submitTimeout = 30 * time.Second

// LedgerClient anchors roots into the token partition of the external
// ledger over its certification HTTP API. Each submission is signed with
// the aggregator's secp256k1 key.
type LedgerClient struct {
	endpoint    string
	partitionID uint64
	networkID   uint64
	key         *ecdsa.PrivateKey
	httpClient  *http.Client
}

var _ Client = (*LedgerClient)(nil)

// NewLedgerClient builds a client from the anchor section of the node
// config.
func NewLedgerClient(cfg params.AnchorConfig) (*LedgerClient, error) {
	if cfg.TokenPartitionURL == "" {
		return nil, errors.New("anchor token partition url is required")
	}
	if cfg.PrivateKey == "" {
		return nil, errors.New("anchor private key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "could not parse anchor private key")
	}
	return &LedgerClient{
		endpoint:    strings.TrimSuffix(cfg.TokenPartitionURL, "/") + "/certification",
		partitionID: cfg.TokenPartitionID,
		networkID:   cfg.NetworkID,
		key:         key,
		httpClient:  &http.Client{Timeout: submitTimeout},
	}, nil
}

type certificationRequest struct {
	PartitionID uint64        `json:"partitionId"`
	NetworkID   uint64        `json:"networkId"`
	RootHash    types.Imprint `json:"rootHash"`
	Signature   hexutil.Bytes `json:"signature"`
}

type certificationResponse struct {
	Proof               hexutil.Bytes `json:"proof"`
	PreviousRootWitness types.Imprint `json:"previousRootWitness"`
	Timestamp           uint64        `json:"timestamp,string"`
}

// SubmitRootHash certifies the root with the ledger. The call blocks until
// the ledger round completes; transient failures surface to the caller,
// which retries the round with the same root.
func (c *LedgerClient) SubmitRootHash(ctx context.Context, root types.Imprint) (*Response, error) {
	digest := sha256.Sum256(root)
	sig, err := crypto.Sign(digest[:], c.key)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign root hash")
	}
	body, err := json.Marshal(certificationRequest{
		PartitionID: c.partitionID,
		NetworkID:   c.networkID,
		RootHash:    root,
		Signature:   sig,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode certification request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "could not build certification request")
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "certification request failed")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close certification response")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("ledger rejected certification: status %d: %s", resp.StatusCode, payload)
	}
	var cert certificationResponse
	if err := json.NewDecoder(resp.Body).Decode(&cert); err != nil {
		return nil, errors.Wrap(err, "could not decode certification response")
	}
	if cert.PreviousRootWitness != nil {
		if err := cert.PreviousRootWitness.Validate(); err != nil {
			return nil, errors.Wrap(err, "previous root witness")
		}
	}
	log.WithFields(logrus.Fields{
		"rootHash": root,
		"duration": time.Since(started),
	}).Debug("Root hash certified")
	return &Response{
		Proof:               cert.Proof,
		PreviousRootWitness: cert.PreviousRootWitness,
		Timestamp:           cert.Timestamp,
	}, nil
}
