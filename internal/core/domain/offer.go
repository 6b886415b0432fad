package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OfferPayloadType tags offer payloads inside protected storage entries.
const OfferPayloadType = "offer"

// OfferTTL is the time-to-live of a published offer entry; makers refresh
// well before it elapses.
const OfferTTL = 9 * time.Minute

// OfferPayload is the immutable, replicated part of an offer. It is what
// gets serialized into a protected storage entry and must round-trip
// byte-identically, so the signature stays valid on every hop.
type OfferPayload struct {
	Id            string          `json:"id"`
	Direction     OfferDirection  `json:"direction"`
	Price         decimal.Decimal `json:"price"`
	Amount        btcutil.Amount  `json:"amount"`
	MinAmount     btcutil.Amount  `json:"minAmount"`
	CurrencyCode  string          `json:"currencyCode"`
	PaymentMethod string          `json:"paymentMethod"`
	MakerAddress  string          `json:"makerAddress"`
	MakerPubKey   []byte          `json:"makerPubKey"`
	Date          int64           `json:"date"`
}

// Offer couples the replicated payload with the node-local state observed by
// the availability and trade protocols. State is never replicated.
type Offer struct {
	Payload      OfferPayload
	State        OfferState
	ErrorMessage string
}

// NewOfferPayload returns a payload with a fresh id and the current date.
func NewOfferPayload(
	direction OfferDirection, price decimal.Decimal,
	amount, minAmount btcutil.Amount,
	currencyCode, paymentMethod, makerAddress string, makerPubKey []byte,
) OfferPayload {
	return OfferPayload{
		Id:            uuid.New().String(),
		Direction:     direction,
		Price:         price,
		Amount:        amount,
		MinAmount:     minAmount,
		CurrencyCode:  currencyCode,
		PaymentMethod: paymentMethod,
		MakerAddress:  makerAddress,
		MakerPubKey:   makerPubKey,
		Date:          time.Now().UnixMilli(),
	}
}

// Validate checks the structural invariants of a payload received from the
// network.
func (p OfferPayload) Validate() error {
	if _, err := uuid.Parse(p.Id); err != nil {
		return fmt.Errorf("offer id must be a uuid: %w", err)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("offer amount must be positive")
	}
	if p.MinAmount <= 0 || p.MinAmount > p.Amount {
		return fmt.Errorf("offer min amount must be within (0, amount]")
	}
	if p.Price.Sign() <= 0 {
		return fmt.Errorf("offer price must be positive")
	}
	if p.CurrencyCode == "" || p.PaymentMethod == "" {
		return fmt.Errorf("offer currency and payment method must be set")
	}
	if p.MakerAddress == "" || len(p.MakerPubKey) == 0 {
		return fmt.Errorf("offer maker address and pub key must be set")
	}
	return nil
}

// Serialize returns the canonical payload bytes stored and signed inside a
// protected entry.
func (p OfferPayload) Serialize() ([]byte, error) {
	return json.Marshal(p)
}

// OfferPayloadFromBytes is the inverse of Serialize.
func OfferPayloadFromBytes(raw []byte) (OfferPayload, error) {
	var payload OfferPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return OfferPayload{}, err
	}
	return payload, nil
}

// OpenOffer is the maker-side record of a published offer. Its state answers
// availability requests; Reserve must happen synchronously before any
// response is sent so concurrent takers cannot both win.
type OpenOffer struct {
	Offer            OfferPayload
	State            OpenOfferState
	ArbitratorAddr   string
	MediatorAddr     string
	StorageSeqNumber uint32
}

// NewOpenOffer wraps a freshly published payload.
func NewOpenOffer(offer OfferPayload) *OpenOffer {
	return &OpenOffer{Offer: offer, State: OpenOfferStateAvailable}
}

// Id returns the offer id.
func (o *OpenOffer) Id() string {
	return o.Offer.Id
}

// IsAvailable reports whether a taker can still reserve the offer.
func (o *OpenOffer) IsAvailable() bool {
	return o.State == OpenOfferStateAvailable
}

// Reserve transitions the open offer to Reserved. Exactly one caller
// succeeds; any later attempt gets ErrOfferNotAvailable.
func (o *OpenOffer) Reserve() error {
	if o.State != OpenOfferStateAvailable {
		return ErrOfferNotAvailable
	}
	o.State = OpenOfferStateReserved
	return nil
}

// ReleaseReservation returns a reserved offer to the book, used when the
// reserving taker aborts before the deposit flow starts.
func (o *OpenOffer) ReleaseReservation() error {
	if o.State != OpenOfferStateReserved {
		return ErrOfferNotAvailable
	}
	o.State = OpenOfferStateAvailable
	return nil
}

// Close marks the offer as fully taken.
func (o *OpenOffer) Close() {
	o.State = OpenOfferStateClosed
}

// Cancel marks the offer as canceled by the maker.
func (o *OpenOffer) Cancel() {
	o.State = OpenOfferStateCanceled
}
