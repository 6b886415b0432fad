// Package inmemory provides map-backed implementations of the domain
// repositories, used by tests and by the daemon when run without a
// persistent database.
package inmemory

import "github.com/peerdex-network/peerdexd/internal/core/domain"

// DbManager bundles the in-memory repositories behind one handle.
type DbManager struct {
	offerRepository   domain.OfferRepository
	tradeRepository   domain.TradeRepository
	disputeRepository domain.DisputeRepository
}

// NewDbManager returns a manager with empty repositories.
func NewDbManager() *DbManager {
	return &DbManager{
		offerRepository:   NewOfferRepositoryImpl(),
		tradeRepository:   NewTradeRepositoryImpl(),
		disputeRepository: NewDisputeRepositoryImpl(),
	}
}

func (d *DbManager) OfferRepository() domain.OfferRepository {
	return d.offerRepository
}

func (d *DbManager) TradeRepository() domain.TradeRepository {
	return d.tradeRepository
}

func (d *DbManager) DisputeRepository() domain.DisputeRepository {
	return d.disputeRepository
}
