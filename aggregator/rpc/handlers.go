package rpc

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/types"
	"github.com/unicitylabs/aggregator/aggregator/validation"
)

// handleRPC admits, decodes and dispatches one JSON-RPC call.
func (s *Service) handleRPC(w http.ResponseWriter, r *http.Request) {
	// Admission counts the rejected request too; it is decremented on the
	// way out either way.
	active := atomic.AddInt64(&s.activeRequests, 1)
	defer atomic.AddInt64(&s.activeRequests, -1)
	if s.cfg.ConcurrencyLimit > 0 && active > int64(s.cfg.ConcurrencyLimit) {
		writeError(w, nil, http.StatusServiceUnavailable, codeAtCapacity, capacityMessage)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, http.StatusBadRequest, codeInvalidRequest, "malformed request")
		return
	}

	switch req.Method {
	case "submit_commitment":
		s.submitCommitment(w, r, &req)
	case "get_inclusion_proof":
		s.getInclusionProof(w, r, &req)
	case "get_block_height":
		s.getBlockHeight(w, r, &req)
	case "get_block":
		s.getBlock(w, r, &req)
	case "get_block_commitments":
		s.getBlockCommitments(w, r, &req)
	case "get_no_deletion_proof":
		writeError(w, req.ID, http.StatusOK, codeInternal, "no deletion proof is not implemented")
	default:
		writeError(w, req.ID, http.StatusOK, codeMethodNotFound, "unknown method "+req.Method)
	}
}

type submitParams struct {
	RequestID       types.Imprint       `json:"requestId"`
	TransactionHash types.Imprint       `json:"transactionHash"`
	Authenticator   types.Authenticator `json:"authenticator"`
	Receipt         bool                `json:"receipt"`
}

type submitResult struct {
	Status  validation.Status `json:"status"`
	Receipt *Receipt          `json:"receipt,omitempty"`
}

func (s *Service) submitCommitment(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var p submitParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeError(w, req.ID, http.StatusBadRequest, codeInvalidParams, "malformed commitment")
		return
	}
	c := &types.Commitment{
		RequestID:       p.RequestID,
		TransactionHash: p.TransactionHash,
		Authenticator:   p.Authenticator,
	}
	res, err := s.cfg.Validator.Validate(r.Context(), c)
	if err != nil {
		log.WithError(err).Error("Commitment validation failed")
		writeError(w, req.ID, http.StatusInternalServerError, codeInternal, "validation failed")
		return
	}
	if res.Status != validation.StatusSuccess {
		writeResult(w, req.ID, submitResult{Status: res.Status})
		return
	}
	// An identical resubmission of an aggregated commitment is acked
	// without re-enqueueing.
	if !res.Exists {
		if err := s.cfg.Rounds.SubmitCommitment(r.Context(), c); err != nil {
			log.WithError(err).Error("Could not enqueue commitment")
			writeError(w, req.ID, http.StatusInternalServerError, codeInternal, "could not persist commitment")
			return
		}
	}
	result := submitResult{Status: validation.StatusSuccess}
	if p.Receipt {
		receipt, err := s.signReceipt(c)
		if err != nil {
			log.WithError(err).Error("Could not sign receipt")
			writeError(w, req.ID, http.StatusInternalServerError, codeInternal, "could not sign receipt")
			return
		}
		result.Receipt = receipt
	}
	writeResult(w, req.ID, result)
}

type inclusionProofParams struct {
	RequestID types.Imprint `json:"requestId"`
}

type inclusionProofResult struct {
	MerkleTreePath  *smt.MerklePath      `json:"merkleTreePath"`
	Authenticator   *types.Authenticator `json:"authenticator"`
	TransactionHash types.Imprint        `json:"transactionHash,omitempty"`
}

// getInclusionProof returns a verifiable path whether or not the request id
// exists; non-existence yields a valid non-inclusion path with a null
// authenticator.
func (s *Service) getInclusionProof(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var p inclusionProofParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.RequestID.Validate() != nil {
		writeError(w, req.ID, http.StatusBadRequest, codeInvalidParams, "malformed request id")
		return
	}
	result := inclusionProofResult{MerkleTreePath: s.cfg.SMT.GetPath(p.RequestID.Big())}
	record, err := s.cfg.Database.Record(r.Context(), p.RequestID)
	if err != nil {
		log.WithError(err).Error("Could not read record")
		writeError(w, req.ID, http.StatusInternalServerError, codeInternal, "could not read record")
		return
	}
	if record != nil {
		result.Authenticator = &record.Authenticator
		result.TransactionHash = record.TransactionHash
	}
	writeResult(w, req.ID, result)
}

func (s *Service) getBlockHeight(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	next, err := s.cfg.Database.NextBlockNumber(r.Context())
	if err != nil {
		log.WithError(err).Error("Could not read block height")
		writeError(w, req.ID, http.StatusInternalServerError, codeInternal, "could not read block height")
		return
	}
	writeResult(w, req.ID, map[string]string{
		"blockNumber": strconv.FormatUint(next-1, 10),
	})
}

type blockParams struct {
	BlockNumber string `json:"blockNumber"`
}

func (s *Service) getBlock(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var p blockParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeError(w, req.ID, http.StatusBadRequest, codeInvalidParams, "malformed params")
		return
	}
	var block *types.Block
	var err error
	if p.BlockNumber == "latest" {
		block, err = s.cfg.Database.LatestBlock(r.Context())
	} else {
		var n uint64
		n, err = strconv.ParseUint(p.BlockNumber, 10, 64)
		if err != nil {
			writeError(w, req.ID, http.StatusBadRequest, codeInvalidParams, "unparsable block number")
			return
		}
		block, err = s.cfg.Database.Block(r.Context(), n)
	}
	if err != nil {
		log.WithError(err).Error("Could not read block")
		writeError(w, req.ID, http.StatusInternalServerError, codeInternal, "could not read block")
		return
	}
	if block == nil {
		writeError(w, req.ID, http.StatusNotFound, codeNotFound, "block not found")
		return
	}
	writeResult(w, req.ID, block)
}

func (s *Service) getBlockCommitments(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var p blockParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeError(w, req.ID, http.StatusBadRequest, codeInvalidParams, "malformed params")
		return
	}
	n, err := strconv.ParseUint(p.BlockNumber, 10, 64)
	if err != nil {
		writeError(w, req.ID, http.StatusBadRequest, codeInvalidParams, "unparsable block number")
		return
	}
	br, err := s.cfg.Database.BlockRecords(r.Context(), n)
	if err != nil {
		log.WithError(err).Error("Could not read block records")
		writeError(w, req.ID, http.StatusInternalServerError, codeInternal, "could not read block records")
		return
	}
	if br == nil {
		writeError(w, req.ID, http.StatusNotFound, codeNotFound, "block not found")
		return
	}
	records, err := s.cfg.Database.RecordsByRequestIDs(r.Context(), br.RequestIDs)
	if err != nil {
		log.WithError(err).Error("Could not read records")
		writeError(w, req.ID, http.StatusInternalServerError, codeInternal, "could not read records")
		return
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SequenceID < records[j].SequenceID
	})
	// An empty block yields an empty array, not a 404.
	if records == nil {
		records = []*types.AggregatorRecord{}
	}
	writeResult(w, req.ID, records)
}

type healthResponse struct {
	Role                  string        `json:"role"`
	ServerID              string        `json:"serverId"`
	SMTRootHash           types.Imprint `json:"smtRootHash"`
	ActiveRequests        int64         `json:"activeRequests"`
	MaxConcurrentRequests int           `json:"maxConcurrentRequests"`
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(healthResponse{
		Role:                  s.cfg.Role(),
		ServerID:              s.cfg.ServerID,
		SMTRootHash:           s.cfg.SMT.RootHash(),
		ActiveRequests:        atomic.LoadInt64(&s.activeRequests),
		MaxConcurrentRequests: s.cfg.ConcurrencyLimit,
	})
	if err != nil {
		log.WithError(err).Debug("Could not write health response")
	}
}
