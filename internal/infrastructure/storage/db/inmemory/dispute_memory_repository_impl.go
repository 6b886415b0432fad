package inmemory

import (
	"context"
	"sync"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
)

// DisputeRepositoryImpl represents an in memory storage for disputes keyed
// by trade id.
type DisputeRepositoryImpl struct {
	disputes map[string]domain.Dispute
	lock     *sync.RWMutex
}

// NewDisputeRepositoryImpl returns a new empty DisputeRepositoryImpl.
func NewDisputeRepositoryImpl() *DisputeRepositoryImpl {
	return &DisputeRepositoryImpl{
		disputes: map[string]domain.Dispute{},
		lock:     &sync.RWMutex{},
	}
}

func (r *DisputeRepositoryImpl) AddDispute(
	_ context.Context, dispute *domain.Dispute,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.disputes[dispute.TradeId]; ok {
		return domain.ErrDisputeAlreadyOpen
	}
	r.disputes[dispute.TradeId] = *dispute
	return nil
}

func (r *DisputeRepositoryImpl) GetDispute(
	_ context.Context, tradeId string,
) (*domain.Dispute, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	dispute, ok := r.disputes[tradeId]
	if !ok {
		return nil, domain.ErrDisputeNotFound
	}
	return &dispute, nil
}

func (r *DisputeRepositoryImpl) GetAllDisputes(
	_ context.Context,
) ([]*domain.Dispute, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	disputes := make([]*domain.Dispute, 0, len(r.disputes))
	for id := range r.disputes {
		dispute := r.disputes[id]
		disputes = append(disputes, &dispute)
	}
	return disputes, nil
}

func (r *DisputeRepositoryImpl) UpdateDispute(
	_ context.Context, tradeId string,
	updateFn func(d *domain.Dispute) (*domain.Dispute, error),
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	current, ok := r.disputes[tradeId]
	if !ok {
		return domain.ErrDisputeNotFound
	}
	updated, err := updateFn(&current)
	if err != nil {
		return err
	}
	r.disputes[tradeId] = *updated
	return nil
}
