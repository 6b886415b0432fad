package domain

import "context"

// OfferRepository is the abstraction for any kind of database intended to
// persist the maker's open offers.
type OfferRepository interface {
	// AddOpenOffer stores a newly published open offer.
	AddOpenOffer(ctx context.Context, offer *OpenOffer) error
	// GetOpenOffer returns the open offer with the given id, or
	// ErrOfferNotFound.
	GetOpenOffer(ctx context.Context, offerId string) (*OpenOffer, error)
	// GetAllOpenOffers returns all stored open offers.
	GetAllOpenOffers(ctx context.Context) ([]*OpenOffer, error)
	// UpdateOpenOffer commits multiple changes to the same open offer in a
	// transactional way. The update function gets the current offer and
	// returns the one to store.
	UpdateOpenOffer(
		ctx context.Context, offerId string,
		updateFn func(offer *OpenOffer) (*OpenOffer, error),
	) error
	// DeleteOpenOffer removes the open offer with the given id.
	DeleteOpenOffer(ctx context.Context, offerId string) error
}
