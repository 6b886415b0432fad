package dbbadger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v3"
	"github.com/timshannon/badgerhold/v4"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
)

type offerRepositoryImpl struct {
	db *DbManager
}

// NewOfferRepositoryImpl returns the badger-backed open offer repository.
func NewOfferRepositoryImpl(db *DbManager) domain.OfferRepository {
	return offerRepositoryImpl{db: db}
}

func (r offerRepositoryImpl) AddOpenOffer(
	_ context.Context, offer *domain.OpenOffer,
) error {
	return r.db.Store.Upsert(offer.Id(), *offer)
}

func (r offerRepositoryImpl) GetOpenOffer(
	_ context.Context, offerId string,
) (*domain.OpenOffer, error) {
	var offer domain.OpenOffer
	if err := r.db.Store.Get(offerId, &offer); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrOfferNotFound
		}
		return nil, err
	}
	return &offer, nil
}

func (r offerRepositoryImpl) GetAllOpenOffers(
	_ context.Context,
) ([]*domain.OpenOffer, error) {
	var offers []domain.OpenOffer
	if err := r.db.Store.Find(&offers, nil); err != nil {
		return nil, err
	}
	result := make([]*domain.OpenOffer, 0, len(offers))
	for i := range offers {
		result = append(result, &offers[i])
	}
	return result, nil
}

func (r offerRepositoryImpl) UpdateOpenOffer(
	_ context.Context, offerId string,
	updateFn func(offer *domain.OpenOffer) (*domain.OpenOffer, error),
) error {
	return r.db.Store.Badger().Update(func(tx *badger.Txn) error {
		var offer domain.OpenOffer
		if err := r.db.Store.TxGet(tx, offerId, &offer); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return domain.ErrOfferNotFound
			}
			return err
		}
		updated, err := updateFn(&offer)
		if err != nil {
			return err
		}
		return r.db.Store.TxUpdate(tx, offerId, *updated)
	})
}

func (r offerRepositoryImpl) DeleteOpenOffer(
	_ context.Context, offerId string,
) error {
	if err := r.db.Store.Delete(offerId, domain.OpenOffer{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return domain.ErrOfferNotFound
		}
		return err
	}
	return nil
}
