package inmemory

import (
	"context"
	"sync"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
)

// OfferRepositoryImpl represents an in memory storage for open offers.
type OfferRepositoryImpl struct {
	offers map[string]domain.OpenOffer
	lock   *sync.RWMutex
}

// NewOfferRepositoryImpl returns a new empty OfferRepositoryImpl.
func NewOfferRepositoryImpl() *OfferRepositoryImpl {
	return &OfferRepositoryImpl{
		offers: map[string]domain.OpenOffer{},
		lock:   &sync.RWMutex{},
	}
}

func (r *OfferRepositoryImpl) AddOpenOffer(
	_ context.Context, offer *domain.OpenOffer,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.offers[offer.Id()] = *offer
	return nil
}

func (r *OfferRepositoryImpl) GetOpenOffer(
	_ context.Context, offerId string,
) (*domain.OpenOffer, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	offer, ok := r.offers[offerId]
	if !ok {
		return nil, domain.ErrOfferNotFound
	}
	return &offer, nil
}

func (r *OfferRepositoryImpl) GetAllOpenOffers(
	_ context.Context,
) ([]*domain.OpenOffer, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	offers := make([]*domain.OpenOffer, 0, len(r.offers))
	for id := range r.offers {
		offer := r.offers[id]
		offers = append(offers, &offer)
	}
	return offers, nil
}

func (r *OfferRepositoryImpl) UpdateOpenOffer(
	_ context.Context, offerId string,
	updateFn func(offer *domain.OpenOffer) (*domain.OpenOffer, error),
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	current, ok := r.offers[offerId]
	if !ok {
		return domain.ErrOfferNotFound
	}
	updated, err := updateFn(&current)
	if err != nil {
		return err
	}
	r.offers[offerId] = *updated
	return nil
}

func (r *OfferRepositoryImpl) DeleteOpenOffer(
	_ context.Context, offerId string,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.offers[offerId]; !ok {
		return domain.ErrOfferNotFound
	}
	delete(r.offers, offerId)
	return nil
}
