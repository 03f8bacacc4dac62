package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/unicitylabs/aggregator/aggregator/types"
)

// Mock is an in-process anchor with synthesized previous-root chaining and
// local timestamps. It serves development mode and tests.
type Mock struct {
	mu       sync.Mutex
	prevRoot types.Imprint

	// Err, when set, fails the next submission without advancing the chain.
	Err error
	// Submitted counts successful submissions.
	Submitted int
}

var _ Client = (*Mock)(nil)

// NewMock creates an empty mock anchor.
func NewMock() *Mock {
	return &Mock{}
}

// SubmitRootHash returns immediately with the previously submitted root as
// witness, or nil on the first call.
func (m *Mock) SubmitRootHash(_ context.Context, root types.Imprint) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		err := m.Err
		m.Err = nil
		return nil, err
	}
	resp := &Response{
		Proof:               types.Sha256Imprint([]byte("mock-anchor"), root),
		PreviousRootWitness: m.prevRoot,
		Timestamp:           uint64(time.Now().UnixMilli()),
	}
	m.prevRoot = root
	m.Submitted++
	return resp, nil
}

// LastRoot returns the most recently anchored root, or nil.
func (m *Mock) LastRoot() types.Imprint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevRoot
}
