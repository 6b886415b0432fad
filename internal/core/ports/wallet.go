package ports

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrInsufficientFunds is returned when the wallet cannot fund the
	// requested lockup.
	ErrInsufficientFunds = errors.New("insufficient funds in wallet")
	// ErrWalletUnavailable is returned for any internal wallet failure.
	ErrWalletUnavailable = errors.New("wallet unavailable")
	// ErrTxVerification is returned when a transaction fails the wallet's
	// own verification.
	ErrTxVerification = errors.New("transaction verification failed")
)

// Transaction is an opaque handle to a wallet-managed transaction. TxId may
// be empty until the transaction is complete.
type Transaction struct {
	TxId       string
	Serialized []byte
}

// WalletService is the boundary to the node wallet. Implementations own key
// management and transaction construction; callers treat every error as
// fatal to the in-flight protocol task.
type WalletService interface {
	// PrepareLockupTx selects inputs funding a multisig escrow lockup of the
	// given amount.
	PrepareLockupTx(ctx context.Context, amount btcutil.Amount) (*Transaction, error)
	// CompleteTx finalizes the transaction structure, attaching the given
	// OP_RETURN data if any.
	CompleteTx(ctx context.Context, tx *Transaction, opReturnData []byte) (*Transaction, error)
	// SignTx signs all wallet-owned inputs.
	SignTx(ctx context.Context, tx *Transaction) (*Transaction, error)
	// BroadcastTx publishes the transaction to the network and returns its
	// final transaction id.
	BroadcastTx(ctx context.Context, tx *Transaction) (string, error)
	// CommitTx accepts a fully signed transaction received from the peer
	// into the wallet without broadcasting it.
	CommitTx(ctx context.Context, tx *Transaction) error
	// IsSynced reports whether the wallet's chain view is current enough to
	// act on trade events.
	IsSynced() bool
}
