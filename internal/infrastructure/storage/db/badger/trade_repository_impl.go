package dbbadger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v3"
	"github.com/timshannon/badgerhold/v4"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
)

type tradeRepositoryImpl struct {
	db *DbManager
}

// NewTradeRepositoryImpl returns the badger-backed trade repository.
func NewTradeRepositoryImpl(db *DbManager) domain.TradeRepository {
	return tradeRepositoryImpl{db: db}
}

func (t tradeRepositoryImpl) AddTrade(
	_ context.Context, trade *domain.Trade,
) error {
	if err := t.db.Store.Insert(trade.Id, *trade); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return domain.ErrTradeAlreadyExists
		}
		return err
	}
	return nil
}

func (t tradeRepositoryImpl) GetTrade(
	_ context.Context, tradeId string,
) (*domain.Trade, error) {
	var trade domain.Trade
	if err := t.db.Store.Get(tradeId, &trade); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrTradeNotFound
		}
		return nil, err
	}
	return &trade, nil
}

func (t tradeRepositoryImpl) GetAllTrades(
	_ context.Context,
) ([]*domain.Trade, error) {
	var trades []domain.Trade
	if err := t.db.Store.Find(&trades, nil); err != nil {
		return nil, err
	}
	result := make([]*domain.Trade, 0, len(trades))
	for i := range trades {
		result = append(result, &trades[i])
	}
	return result, nil
}

func (t tradeRepositoryImpl) UpdateTrade(
	_ context.Context, tradeId string,
	updateFn func(trade *domain.Trade) (*domain.Trade, error),
) error {
	return t.db.Store.Badger().Update(func(tx *badger.Txn) error {
		var trade domain.Trade
		if err := t.db.Store.TxGet(tx, tradeId, &trade); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return domain.ErrTradeNotFound
			}
			return err
		}
		updated, err := updateFn(&trade)
		if err != nil {
			return err
		}
		return t.db.Store.TxUpdate(tx, tradeId, *updated)
	})
}
