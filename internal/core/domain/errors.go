package domain

import "errors"

var (
	// ErrOfferNotFound ...
	ErrOfferNotFound = errors.New("offer not found")
	// ErrOfferNotAvailable is returned when reserving an offer that is no
	// longer open.
	ErrOfferNotAvailable = errors.New("offer is not available")
	// ErrTradeNotFound ...
	ErrTradeNotFound = errors.New("trade not found")
	// ErrTradeAlreadyExists is returned when taking an offer that already
	// spawned a trade on this node.
	ErrTradeAlreadyExists = errors.New("trade already exists")
	// ErrInvalidPhaseTransition is returned by trade transition methods when
	// the trade is not in the expected predecessor phase.
	ErrInvalidPhaseTransition = errors.New("trade is not in the expected phase")
	// ErrTradeFailed is returned when operating on a trade that has been
	// marked failed.
	ErrTradeFailed = errors.New("trade has failed")
	// ErrDisputeNotFound ...
	ErrDisputeNotFound = errors.New("dispute not found")
	// ErrDisputeAlreadyOpen ...
	ErrDisputeAlreadyOpen = errors.New("dispute is already open for this trade")
	// ErrEmptyTxID is returned when a transition requires a transaction id
	// that is missing.
	ErrEmptyTxID = errors.New("transaction id must not be empty")
)
