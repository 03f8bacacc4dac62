package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/unicitylabs/aggregator/aggregator/db/memory"
	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/validation"
	"github.com/unicitylabs/aggregator/testing/require"
)

func TestAdmission_RejectsAtCapacity(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(context.Background(), &Config{
		ConcurrencyLimit: 2,
		ServerID:         "test",
		Database:         store,
		SMT:              smt.New(),
		Validator:        validation.NewValidator(store),
		Role:             func() string { return "follower" },
	})

	// Two requests already in flight; the third one must bounce.
	atomic.StoreInt64(&svc.activeRequests, 2)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "method": "get_block_height", "params": map[string]interface{}{}, "id": 1,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var reply rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.NotNil(t, reply.Error)
	require.Equal(t, codeAtCapacity, reply.Error.Code)
	require.Equal(t, capacityMessage, reply.Error.Message)

	// The rejected request released its slot on the way out.
	require.Equal(t, int64(2), atomic.LoadInt64(&svc.activeRequests))
}
