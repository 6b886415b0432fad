package domain

import "context"

// TradeRepository is the abstraction for any kind of database intended to
// persist Trades.
type TradeRepository interface {
	// AddTrade stores a new trade, failing with ErrTradeAlreadyExists if its
	// id is already taken.
	AddTrade(ctx context.Context, trade *Trade) error
	// GetTrade returns the trade with the given id, or ErrTradeNotFound.
	GetTrade(ctx context.Context, tradeId string) (*Trade, error)
	// GetAllTrades returns all the trades stored in the repository.
	GetAllTrades(ctx context.Context) ([]*Trade, error)
	// UpdateTrade commits multiple changes to the same trade in a
	// transactional way. The update function gets the current trade and
	// returns the one to store.
	UpdateTrade(
		ctx context.Context, tradeId string,
		updateFn func(t *Trade) (*Trade, error),
	) error
}
