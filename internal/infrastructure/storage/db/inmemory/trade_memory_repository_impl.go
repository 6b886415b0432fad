package inmemory

import (
	"context"
	"sync"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
)

// TradeRepositoryImpl represents an in memory storage for trades.
type TradeRepositoryImpl struct {
	trades map[string]domain.Trade
	lock   *sync.RWMutex
}

// NewTradeRepositoryImpl returns a new empty TradeRepositoryImpl.
func NewTradeRepositoryImpl() *TradeRepositoryImpl {
	return &TradeRepositoryImpl{
		trades: map[string]domain.Trade{},
		lock:   &sync.RWMutex{},
	}
}

func (r *TradeRepositoryImpl) AddTrade(
	_ context.Context, trade *domain.Trade,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.trades[trade.Id]; ok {
		return domain.ErrTradeAlreadyExists
	}
	r.trades[trade.Id] = *trade
	return nil
}

func (r *TradeRepositoryImpl) GetTrade(
	_ context.Context, tradeId string,
) (*domain.Trade, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	trade, ok := r.trades[tradeId]
	if !ok {
		return nil, domain.ErrTradeNotFound
	}
	return &trade, nil
}

func (r *TradeRepositoryImpl) GetAllTrades(
	_ context.Context,
) ([]*domain.Trade, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	trades := make([]*domain.Trade, 0, len(r.trades))
	for id := range r.trades {
		trade := r.trades[id]
		trades = append(trades, &trade)
	}
	return trades, nil
}

func (r *TradeRepositoryImpl) UpdateTrade(
	_ context.Context, tradeId string,
	updateFn func(t *domain.Trade) (*domain.Trade, error),
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	current, ok := r.trades[tradeId]
	if !ok {
		return domain.ErrTradeNotFound
	}
	updated, err := updateFn(&current)
	if err != nil {
		return err
	}
	r.trades[tradeId] = *updated
	return nil
}
