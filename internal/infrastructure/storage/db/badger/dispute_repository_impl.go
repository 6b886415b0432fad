package dbbadger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v3"
	"github.com/timshannon/badgerhold/v4"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
)

type disputeRepositoryImpl struct {
	db *DbManager
}

// NewDisputeRepositoryImpl returns the badger-backed dispute repository,
// keyed by trade id.
func NewDisputeRepositoryImpl(db *DbManager) domain.DisputeRepository {
	return disputeRepositoryImpl{db: db}
}

func (r disputeRepositoryImpl) AddDispute(
	_ context.Context, dispute *domain.Dispute,
) error {
	if err := r.db.Store.Insert(dispute.TradeId, *dispute); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return domain.ErrDisputeAlreadyOpen
		}
		return err
	}
	return nil
}

func (r disputeRepositoryImpl) GetDispute(
	_ context.Context, tradeId string,
) (*domain.Dispute, error) {
	var dispute domain.Dispute
	if err := r.db.Store.Get(tradeId, &dispute); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrDisputeNotFound
		}
		return nil, err
	}
	return &dispute, nil
}

func (r disputeRepositoryImpl) GetAllDisputes(
	_ context.Context,
) ([]*domain.Dispute, error) {
	var disputes []domain.Dispute
	if err := r.db.Store.Find(&disputes, nil); err != nil {
		return nil, err
	}
	result := make([]*domain.Dispute, 0, len(disputes))
	for i := range disputes {
		result = append(result, &disputes[i])
	}
	return result, nil
}

func (r disputeRepositoryImpl) UpdateDispute(
	_ context.Context, tradeId string,
	updateFn func(d *domain.Dispute) (*domain.Dispute, error),
) error {
	return r.db.Store.Badger().Update(func(tx *badger.Txn) error {
		var dispute domain.Dispute
		if err := r.db.Store.TxGet(tx, tradeId, &dispute); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return domain.ErrDisputeNotFound
			}
			return err
		}
		updated, err := updateFn(&dispute)
		if err != nil {
			return err
		}
		return r.db.Store.TxUpdate(tx, tradeId, *updated)
	})
}
