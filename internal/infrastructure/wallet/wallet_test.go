package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/peerdex-network/peerdexd/internal/core/ports"
)

func TestLockupDeductsBalance(t *testing.T) {
	ctx := context.Background()
	w := New(btcutil.Amount(1000000))

	tx, err := w.PrepareLockupTx(ctx, btcutil.Amount(400000))
	require.NoError(t, err)
	require.NotEmpty(t, tx.Serialized)
	require.Equal(t, btcutil.Amount(600000), w.Balance())

	// Two lockups of the same amount must still produce distinct payloads.
	other, err := w.PrepareLockupTx(ctx, btcutil.Amount(400000))
	require.NoError(t, err)
	require.NotEqual(t, tx.Serialized, other.Serialized)

	_, err = w.PrepareLockupTx(ctx, btcutil.Amount(400000))
	require.ErrorIs(t, err, ports.ErrInsufficientFunds)

	_, err = w.PrepareLockupTx(ctx, btcutil.Amount(0))
	require.ErrorIs(t, err, ports.ErrInsufficientFunds)
}

func TestCompleteSignBroadcast(t *testing.T) {
	ctx := context.Background()
	w := New(btcutil.Amount(1000000))

	tx, err := w.PrepareLockupTx(ctx, btcutil.Amount(100000))
	require.NoError(t, err)

	tx, err = w.CompleteTx(ctx, tx, []byte("contract"))
	require.NoError(t, err)
	tx, err = w.SignTx(ctx, tx)
	require.NoError(t, err)

	txId, err := w.BroadcastTx(ctx, tx)
	require.NoError(t, err)
	require.NotEmpty(t, txId)

	// Broadcasting identical bytes yields the same id.
	again, err := w.BroadcastTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, txId, again)

	_, err = w.BroadcastTx(ctx, &ports.Transaction{})
	require.ErrorIs(t, err, ports.ErrTxVerification)
}

func TestCommitRequiresCompleteTx(t *testing.T) {
	ctx := context.Background()
	w := New(btcutil.Amount(1000000))

	require.ErrorIs(t,
		w.CommitTx(ctx, &ports.Transaction{Serialized: []byte{0x01}}),
		ports.ErrTxVerification)
	require.ErrorIs(t,
		w.CommitTx(ctx, &ports.Transaction{TxId: "txid"}),
		ports.ErrTxVerification)
	require.NoError(t,
		w.CommitTx(ctx, &ports.Transaction{TxId: "txid", Serialized: []byte{0x01}}))
}

func TestUnsyncedWalletRefusesEverything(t *testing.T) {
	ctx := context.Background()
	w := New(btcutil.Amount(1000000))
	w.SetSynced(false)
	require.False(t, w.IsSynced())

	_, err := w.PrepareLockupTx(ctx, btcutil.Amount(100000))
	require.ErrorIs(t, err, ports.ErrWalletUnavailable)
	_, err = w.CompleteTx(ctx, &ports.Transaction{}, nil)
	require.ErrorIs(t, err, ports.ErrWalletUnavailable)
	_, err = w.SignTx(ctx, &ports.Transaction{})
	require.ErrorIs(t, err, ports.ErrWalletUnavailable)
	_, err = w.BroadcastTx(ctx, &ports.Transaction{Serialized: []byte{0x01}})
	require.ErrorIs(t, err, ports.ErrWalletUnavailable)
	require.ErrorIs(t,
		w.CommitTx(ctx, &ports.Transaction{TxId: "txid", Serialized: []byte{0x01}}),
		ports.ErrWalletUnavailable)
}
