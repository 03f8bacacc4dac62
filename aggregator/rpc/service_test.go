package rpc_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/unicitylabs/aggregator/aggregator/anchor"
	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/db/memory"
	"github.com/unicitylabs/aggregator/aggregator/round"
	"github.com/unicitylabs/aggregator/aggregator/rpc"
	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/aggregator/validation"
	"github.com/unicitylabs/aggregator/config/params"
	"github.com/unicitylabs/aggregator/testing/require"
	"github.com/unicitylabs/aggregator/testing/util"
)

type fixture struct {
	svc    *rpc.Service
	rounds *round.Service
	store  *memory.Store
	tree   *smt.SMT
}

func newFixture(t *testing.T) *fixture {
	initial, err := types.ImprintFromHex(params.DefaultInitialBlockHash)
	require.NoError(t, err)
	store := memory.NewStore()
	tree := smt.New()
	rounds, err := round.NewService(context.Background(), &round.Config{
		Database:              store,
		SMT:                   tree,
		Anchor:                anchor.NewMock(),
		ChainID:               1,
		Version:               1,
		ForkID:                1,
		InitialBlockHash:      initial,
		BlockCreationWaitTime: time.Second,
	})
	require.NoError(t, err)
	svc := rpc.NewService(context.Background(), &rpc.Config{
		Port:             0,
		ConcurrencyLimit: 100,
		ServerID:         "test-1",
		Database:         store,
		SMT:              tree,
		Validator:        validation.NewValidator(store),
		Rounds:           rounds,
		Role:             func() string { return "leader" },
		ReceiptKey:       util.NewTestKey(t),
	})
	return &fixture{svc: svc, rounds: rounds, store: store, tree: tree}
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func call(t *testing.T, f *fixture, method string, paramsObj interface{}) (int, *rpcReply) {
	t.Helper()
	p, err := json.Marshal(paramsObj)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  json.RawMessage(p),
		"id":      1,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.svc.Handler().ServeHTTP(rec, req)
	var reply rpcReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	return rec.Code, &reply
}

func submitBody(c *types.Commitment, receipt bool) map[string]interface{} {
	return map[string]interface{}{
		"requestId":       c.RequestID,
		"transactionHash": c.TransactionHash,
		"authenticator":   c.Authenticator,
		"receipt":         receipt,
	}
}

func TestSubmitCommitment_SuccessWithReceipt(t *testing.T) {
	f := newFixture(t)
	c := util.NewSignedCommitment(t, util.NewTestKey(t), []byte("s"), []byte("t"))

	status, reply := call(t, f, "submit_commitment", submitBody(c, true))
	require.Equal(t, http.StatusOK, status)
	var res struct {
		Status  validation.Status `json:"status"`
		Receipt *rpc.Receipt      `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	require.Equal(t, validation.StatusSuccess, res.Status)
	require.NotNil(t, res.Receipt)
	require.Equal(t, true, res.Receipt.Request.RequestID.Equal(c.RequestID))

	// The receipt signature verifies under the advertised key.
	digest := sha256.Sum256(res.Receipt.Request.Hash)
	require.Equal(t, true, crypto.VerifySignature(res.Receipt.PublicKey, digest[:], res.Receipt.Signature[:64]))

	// The commitment landed in the pending queue.
	drained, err := f.store.DrainForBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, len(drained))
}

func TestSubmitCommitment_RejectionsLeaveQueueUntouched(t *testing.T) {
	f := newFixture(t)
	c := util.NewSignedCommitment(t, util.NewTestKey(t), []byte("s"), []byte("t"))
	c.RequestID = types.Sha256Imprint([]byte("wrong"))

	status, reply := call(t, f, "submit_commitment", submitBody(c, false))
	require.Equal(t, http.StatusOK, status)
	var res struct {
		Status validation.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	require.Equal(t, validation.StatusRequestIDMismatch, res.Status)

	drained, err := f.store.DrainForBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, len(drained))
}

func TestInclusionProof_AfterBlock(t *testing.T) {
	f := newFixture(t)
	c := util.NewSignedCommitment(t, util.NewTestKey(t), []byte("s"), []byte("t"))
	_, _ = call(t, f, "submit_commitment", submitBody(c, false))
	_, err := f.rounds.CreateBlock(context.Background())
	require.NoError(t, err)

	status, reply := call(t, f, "get_inclusion_proof", map[string]interface{}{"requestId": c.RequestID})
	require.Equal(t, http.StatusOK, status)
	var res struct {
		MerkleTreePath  *smt.MerklePath      `json:"merkleTreePath"`
		Authenticator   *types.Authenticator `json:"authenticator"`
		TransactionHash types.Imprint        `json:"transactionHash"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	require.NotNil(t, res.Authenticator)
	require.Equal(t, true, res.TransactionHash.Equal(c.TransactionHash))
	require.Equal(t, true, res.MerkleTreePath.Includes())
	require.NoError(t, res.MerkleTreePath.Verify(c.RequestID.Big()))

	// Unknown ids still get a verifiable non-inclusion path.
	absent := types.Sha256Imprint([]byte("absent"))
	status, reply = call(t, f, "get_inclusion_proof", map[string]interface{}{"requestId": absent})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	require.Equal(t, (*types.Authenticator)(nil), res.Authenticator)
	require.Equal(t, false, res.MerkleTreePath.Includes())
	require.NoError(t, res.MerkleTreePath.Verify(absent.Big()))
}

func TestBlockQueries(t *testing.T) {
	f := newFixture(t)

	status, reply := call(t, f, "get_block_height", map[string]interface{}{})
	require.Equal(t, http.StatusOK, status)
	var height struct {
		BlockNumber string `json:"blockNumber"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &height))
	require.Equal(t, "0", height.BlockNumber)

	// Empty chain: latest is a 404.
	status, reply = call(t, f, "get_block", map[string]interface{}{"blockNumber": "latest"})
	require.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, reply.Error)

	_, err := f.rounds.CreateBlock(context.Background())
	require.NoError(t, err)

	status, reply = call(t, f, "get_block", map[string]interface{}{"blockNumber": "latest"})
	require.Equal(t, http.StatusOK, status)
	var block types.Block
	require.NoError(t, json.Unmarshal(reply.Result, &block))
	require.Equal(t, uint64(1), block.Index)

	status, reply = call(t, f, "get_block", map[string]interface{}{"blockNumber": "not-a-number"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, -32602, reply.Error.Code)

	// An empty block's commitments are an empty array, not a 404.
	status, reply = call(t, f, "get_block_commitments", map[string]interface{}{"blockNumber": "1"})
	require.Equal(t, http.StatusOK, status)
	var records []*types.AggregatorRecord
	require.NoError(t, json.Unmarshal(reply.Result, &records))
	require.Equal(t, 0, len(records))

	status, reply = call(t, f, "get_block_commitments", map[string]interface{}{"blockNumber": "7"})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, -32001, reply.Error.Code)
}

func TestUnimplementedAndUnknownMethods(t *testing.T) {
	f := newFixture(t)
	_, reply := call(t, f, "get_no_deletion_proof", map[string]interface{}{})
	require.Equal(t, -32603, reply.Error.Code)
	_, reply = call(t, f, "bogus_method", map[string]interface{}{})
	require.Equal(t, -32601, reply.Error.Code)
}

type ctxCheckedReads struct {
	iface.Database
}

func (s *ctxCheckedReads) Record(ctx context.Context, id types.Imprint) (*types.AggregatorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Database.Record(ctx, id)
}

func TestHandlers_UseRequestContext(t *testing.T) {
	store := memory.NewStore()
	tree := smt.New()
	svc := rpc.NewService(context.Background(), &rpc.Config{
		ConcurrencyLimit: 100,
		ServerID:         "test-ctx",
		Database:         &ctxCheckedReads{Database: store},
		SMT:              tree,
		Validator:        validation.NewValidator(store),
	})

	// A client that disconnected mid-request must not keep the store read
	// running on the service context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id := types.Sha256Imprint([]byte("abandoned"))
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "get_inclusion_proof",
		"params":  map[string]interface{}{"requestId": id},
		"id":      1,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var reply rpcReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.Equal(t, -32603, reply.Error.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.svc.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Role                  string        `json:"role"`
		ServerID              string        `json:"serverId"`
		SMTRootHash           hexutil.Bytes `json:"smtRootHash"`
		ActiveRequests        int64         `json:"activeRequests"`
		MaxConcurrentRequests int           `json:"maxConcurrentRequests"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "leader", health.Role)
	require.Equal(t, "test-1", health.ServerID)
	require.Equal(t, 100, health.MaxConcurrentRequests)
	require.Equal(t, int64(0), health.ActiveRequests)
}
