package domain

import "context"

// DisputeRepository is the abstraction for any kind of database intended to
// persist Disputes and their chat history.
type DisputeRepository interface {
	// AddDispute stores a newly opened dispute.
	AddDispute(ctx context.Context, dispute *Dispute) error
	// GetDispute returns the dispute for the given trade, or
	// ErrDisputeNotFound.
	GetDispute(ctx context.Context, tradeId string) (*Dispute, error)
	// GetAllDisputes returns all stored disputes.
	GetAllDisputes(ctx context.Context) ([]*Dispute, error)
	// UpdateDispute commits multiple changes to the same dispute in a
	// transactional way.
	UpdateDispute(
		ctx context.Context, tradeId string,
		updateFn func(d *Dispute) (*Dispute, error),
	) error
}
