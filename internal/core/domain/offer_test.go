package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
)

func TestOfferPayloadRoundTrip(t *testing.T) {
	payload := newTestOfferPayload()

	raw, err := payload.Serialize()
	require.NoError(t, err)

	decoded, err := domain.OfferPayloadFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, payload.Id, decoded.Id)
	require.Equal(t, payload.Direction, decoded.Direction)
	require.True(t, payload.Price.Equal(decoded.Price))
	require.Equal(t, payload.Amount, decoded.Amount)
	require.Equal(t, payload.MakerPubKey, decoded.MakerPubKey)

	// Serialization is canonical: encoding the decoded payload again yields
	// the same bytes, keeping storage signatures valid.
	again, err := decoded.Serialize()
	require.NoError(t, err)
	require.Equal(t, raw, again)
}

func TestOfferPayloadValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *domain.OfferPayload)
	}{
		{"bad_id", func(p *domain.OfferPayload) { p.Id = "not-a-uuid" }},
		{"zero_amount", func(p *domain.OfferPayload) { p.Amount = 0 }},
		{"min_above_amount", func(p *domain.OfferPayload) { p.MinAmount = p.Amount + 1 }},
		{"zero_price", func(p *domain.OfferPayload) { p.Price = decimal.Zero }},
		{"no_currency", func(p *domain.OfferPayload) { p.CurrencyCode = "" }},
		{"no_maker", func(p *domain.OfferPayload) { p.MakerAddress = "" }},
	}

	for i := range tests {
		tt := tests[i]
		t.Run(tt.name, func(t *testing.T) {
			payload := newTestOfferPayload()
			require.NoError(t, payload.Validate())
			tt.mutate(&payload)
			require.Error(t, payload.Validate())
		})
	}
}

func TestOpenOfferSingleReservation(t *testing.T) {
	offer := domain.NewOpenOffer(newTestOfferPayload())
	require.True(t, offer.IsAvailable())

	require.NoError(t, offer.Reserve())
	require.Equal(t, domain.OpenOfferStateReserved, offer.State)

	// The losing taker of the race observes the reservation.
	require.ErrorIs(t, offer.Reserve(), domain.ErrOfferNotAvailable)

	require.NoError(t, offer.ReleaseReservation())
	require.True(t, offer.IsAvailable())
}

func TestOpenOfferTerminalStates(t *testing.T) {
	offer := domain.NewOpenOffer(newTestOfferPayload())
	offer.Cancel()
	require.ErrorIs(t, offer.Reserve(), domain.ErrOfferNotAvailable)

	taken := domain.NewOpenOffer(newTestOfferPayload())
	require.NoError(t, taken.Reserve())
	taken.Close()
	require.ErrorIs(t, taken.ReleaseReservation(), domain.ErrOfferNotAvailable)
}
