package mongodb

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opencensus.io/trace"

	"github.com/unicitylabs/aggregator/aggregator/types"
)

var txnFallbackOnce sync.Once

// PutBlockWithRecords commits the block and its record list atomically so
// that the change feed never observes records of a block that was not
// sealed. On standalone deployments without transaction support it falls
// back to sequential writes, block first.
func (s *Store) PutBlockWithRecords(ctx context.Context, b *types.Block, br *types.BlockRecords) error {
	ctx, span := trace.StartSpan(ctx, "aggregatorDB.PutBlockWithRecords")
	defer span.End()

	if !s.txnUnsupported {
		session, err := s.client.StartSession()
		if err != nil {
			return errors.Wrap(err, "could not start session")
		}
		defer session.EndSession(ctx)

		_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			if err := s.PutBlock(sc, b); err != nil {
				return nil, err
			}
			return nil, s.PutBlockRecords(sc, br)
		})
		if err == nil {
			return nil
		}
		if !isTxnUnsupported(err) {
			return err
		}
		s.txnUnsupported = true
		txnFallbackOnce.Do(func() {
			log.Warn("Deployment does not support transactions, block and records commit sequentially")
		})
	}

	if err := s.PutBlock(ctx, b); err != nil {
		return err
	}
	return s.PutBlockRecords(ctx, br)
}

// isTxnUnsupported detects standalone servers that reject multi-document
// transactions (IllegalOperation, code 20).
func isTxnUnsupported(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(20)
}
