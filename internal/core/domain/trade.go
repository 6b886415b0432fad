package domain

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// TradeStatus couples the lifecycle phase with the failure flag, so a failed
// trade keeps the phase it failed in for dispute resolution.
type TradeStatus struct {
	Phase        TradePhase
	Failed       bool
	ErrorMessage string
}

// Trade is the entity driven by the trade protocol. Its id equals the id of
// the offer it originates from. All state transitions are guarded and
// forward-only; a transition to an already reached phase is a no-op
// returning true, mirroring redundant message delivery.
type Trade struct {
	Id           string
	Offer        OfferPayload
	Role         TradeRole
	Side         TradeSide
	Status       TradeStatus
	DisputeState DisputeState
	Amount       btcutil.Amount
	Price        decimal.Decimal
	PeerAddress  string
	PeerPubKey   []byte
	DepositTxId  string
	PayoutTxId   string
	ContractHash []byte
	Date         int64
}

// NewTrade returns a trade in the OfferOpen phase for the given offer, role
// and side.
func NewTrade(
	offer OfferPayload, role TradeRole, side TradeSide, amount btcutil.Amount,
) *Trade {
	return &Trade{
		Id:     offer.Id,
		Offer:  offer,
		Role:   role,
		Side:   side,
		Status: TradeStatus{Phase: TradePhaseOfferOpen},
		Amount: amount,
		Price:  offer.Price,
		Date:   time.Now().UnixMilli(),
	}
}

// ReserveOffer brings the trade from OfferOpen to OfferReserved and pins the
// trading peer.
func (t *Trade) ReserveOffer(peerAddress string, peerPubKey []byte) (bool, error) {
	if t.Status.Phase >= TradePhaseOfferReserved {
		return true, nil
	}
	if t.Status.Failed {
		return false, ErrTradeFailed
	}
	t.PeerAddress = peerAddress
	t.PeerPubKey = peerPubKey
	t.Status.Phase = TradePhaseOfferReserved
	return true, nil
}

// MarkDepositPublished records the broadcast deposit transaction and moves
// the trade to DepositPublished.
func (t *Trade) MarkDepositPublished(txId string) (bool, error) {
	if t.Status.Phase >= TradePhaseDepositPublished {
		return true, nil
	}
	if t.Status.Failed {
		return false, ErrTradeFailed
	}
	if t.Status.Phase != TradePhaseOfferReserved {
		return false, ErrInvalidPhaseTransition
	}
	if txId == "" {
		return false, ErrEmptyTxID
	}
	t.DepositTxId = txId
	t.Status.Phase = TradePhaseDepositPublished
	return true, nil
}

// MarkFiatPaymentStarted moves the trade to FiatPaymentStarted. Triggered by
// the buyer's UI, observed by the seller through the protocol message.
func (t *Trade) MarkFiatPaymentStarted() (bool, error) {
	if t.Status.Phase >= TradePhaseFiatPaymentStarted {
		return true, nil
	}
	if t.Status.Failed {
		return false, ErrTradeFailed
	}
	if t.Status.Phase != TradePhaseDepositPublished {
		return false, ErrInvalidPhaseTransition
	}
	t.Status.Phase = TradePhaseFiatPaymentStarted
	return true, nil
}

// MarkFiatPaymentReceived moves the trade to FiatPaymentReceived, the
// seller-side confirmation unlocking the payout flow.
func (t *Trade) MarkFiatPaymentReceived() (bool, error) {
	if t.Status.Phase >= TradePhaseFiatPaymentReceived {
		return true, nil
	}
	if t.Status.Failed {
		return false, ErrTradeFailed
	}
	if t.Status.Phase != TradePhaseFiatPaymentStarted {
		return false, ErrInvalidPhaseTransition
	}
	t.Status.Phase = TradePhaseFiatPaymentReceived
	return true, nil
}

// MarkPayoutPublished records the payout transaction releasing the escrow.
func (t *Trade) MarkPayoutPublished(txId string) (bool, error) {
	if t.Status.Phase >= TradePhasePayoutPublished {
		return true, nil
	}
	if t.Status.Failed {
		return false, ErrTradeFailed
	}
	if t.Status.Phase < TradePhaseFiatPaymentStarted {
		return false, ErrInvalidPhaseTransition
	}
	if txId == "" {
		return false, ErrEmptyTxID
	}
	t.PayoutTxId = txId
	t.Status.Phase = TradePhasePayoutPublished
	return true, nil
}

// Complete archives a trade whose payout has been committed.
func (t *Trade) Complete() (bool, error) {
	if t.Status.Phase == TradePhaseCompleted {
		return true, nil
	}
	if t.Status.Failed {
		return false, ErrTradeFailed
	}
	if t.Status.Phase != TradePhasePayoutPublished {
		return false, ErrInvalidPhaseTransition
	}
	t.Status.Phase = TradePhaseCompleted
	return true, nil
}

// Fail marks the trade as failed in its current phase. The trade is left
// where it is for manual or dispute resolution; there is no rollback of
// side effects already produced by completed protocol tasks.
func (t *Trade) Fail(errorMessage string) {
	if t.Status.Failed {
		return
	}
	t.Status.Failed = true
	t.Status.ErrorMessage = errorMessage
}

// OpenDispute flags the trade as disputed by this node.
func (t *Trade) OpenDispute() error {
	if t.DisputeState == DisputeStateOpened || t.DisputeState == DisputeStateStartedByPeer {
		return ErrDisputeAlreadyOpen
	}
	t.DisputeState = DisputeStateOpened
	return nil
}

// DisputeStartedByPeer flags the trade as disputed by the trading peer.
func (t *Trade) DisputeStartedByPeer() {
	if t.DisputeState == DisputeStateNone {
		t.DisputeState = DisputeStateStartedByPeer
	}
}

// IsCompleted reports whether the trade reached the terminal phase.
func (t *Trade) IsCompleted() bool {
	return t.Status.Phase == TradePhaseCompleted
}

// IsFailed reports whether the trade was marked failed.
func (t *Trade) IsFailed() bool {
	return t.Status.Failed
}

// IsBuyer reports whether this node pays fiat and receives bitcoin.
func (t *Trade) IsBuyer() bool {
	return t.Side == TradeSideBuyer
}
