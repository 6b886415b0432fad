package domain

// OfferDirection says whether the maker buys or sells bitcoin.
type OfferDirection int

const (
	OfferDirectionBuy OfferDirection = iota
	OfferDirectionSell
)

// OfferState is the taker-side view of a replicated offer, driven by the
// availability protocol.
type OfferState int

const (
	OfferStateUnknown OfferState = iota
	OfferStateAvailable
	OfferStateNotAvailable
	OfferStateRemoved
	OfferStateMakerOffline
	OfferStateFault
)

// OpenOfferState is the maker-side lifecycle of a published offer.
type OpenOfferState int

const (
	OpenOfferStateAvailable OpenOfferState = iota
	OpenOfferStateReserved
	OpenOfferStateClosed
	OpenOfferStateCanceled
)

// AvailabilityResult is the maker's verdict on an availability request.
type AvailabilityResult int

const (
	AvailabilityResultUnknownFailure AvailabilityResult = iota
	AvailabilityResultAvailable
	AvailabilityResultOfferTaken
	AvailabilityResultPriceOutOfTolerance
	AvailabilityResultInvalidRequest
)

func (r AvailabilityResult) String() string {
	switch r {
	case AvailabilityResultAvailable:
		return "AVAILABLE"
	case AvailabilityResultOfferTaken:
		return "OFFER_TAKEN"
	case AvailabilityResultPriceOutOfTolerance:
		return "PRICE_OUT_OF_TOLERANCE"
	case AvailabilityResultInvalidRequest:
		return "INVALID_REQUEST"
	default:
		return "UNKNOWN_FAILURE"
	}
}

// TradeRole distinguishes the node that published the offer from the node
// that took it.
type TradeRole int

const (
	TradeRoleMaker TradeRole = iota
	TradeRoleTaker
)

func (r TradeRole) String() string {
	if r == TradeRoleMaker {
		return "MAKER"
	}
	return "TAKER"
}

// TradeSide distinguishes the fiat payer (bitcoin buyer) from the fiat
// receiver (bitcoin seller). Role and side are orthogonal.
type TradeSide int

const (
	TradeSideBuyer TradeSide = iota
	TradeSideSeller
)

func (s TradeSide) String() string {
	if s == TradeSideBuyer {
		return "BUYER"
	}
	return "SELLER"
}

// TradePhase is the strictly ordered trade lifecycle. Transition guards rely
// on the ordering of these values.
type TradePhase int

const (
	TradePhaseOfferOpen TradePhase = iota
	TradePhaseOfferReserved
	TradePhaseDepositPublished
	TradePhaseFiatPaymentStarted
	TradePhaseFiatPaymentReceived
	TradePhasePayoutPublished
	TradePhaseCompleted
)

func (p TradePhase) String() string {
	switch p {
	case TradePhaseOfferOpen:
		return "OFFER_OPEN"
	case TradePhaseOfferReserved:
		return "OFFER_RESERVED"
	case TradePhaseDepositPublished:
		return "DEPOSIT_PUBLISHED"
	case TradePhaseFiatPaymentStarted:
		return "FIAT_PAYMENT_STARTED"
	case TradePhaseFiatPaymentReceived:
		return "FIAT_PAYMENT_RECEIVED"
	case TradePhasePayoutPublished:
		return "PAYOUT_PUBLISHED"
	case TradePhaseCompleted:
		return "COMPLETED"
	default:
		return "UNDEFINED"
	}
}

// DisputeState tracks whether and by whom a dispute was opened on a trade.
type DisputeState int

const (
	DisputeStateNone DisputeState = iota
	DisputeStateOpened
	DisputeStateStartedByPeer
	DisputeStateClosed
)

// ChatSessionType says which escalation channel a chat message belongs to.
type ChatSessionType int

const (
	ChatSessionTypeMediation ChatSessionType = iota
	ChatSessionTypeArbitration
)
