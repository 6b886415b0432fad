// Package wallet provides the built-in wallet of the daemon. It keeps a
// local balance and models transactions as opaque payloads, enough to drive
// the escrow flows of the trade protocol; connecting a full node wallet
// happens behind the same port.
package wallet

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	log "github.com/sirupsen/logrus"

	"github.com/peerdex-network/peerdexd/internal/core/ports"
)

const (
	lockupMarker = 0x01
	signMarker   = 0x02
)

// Wallet is the in-process implementation of ports.WalletService.
type Wallet struct {
	mtx      sync.Mutex
	balance  btcutil.Amount
	synced   bool
	nonce    uint64
	commits  map[string][]byte
}

// New returns a synced wallet holding the given balance.
func New(balance btcutil.Amount) *Wallet {
	return &Wallet{
		balance: balance,
		synced:  true,
		commits: map[string][]byte{},
	}
}

var _ ports.WalletService = (*Wallet)(nil)

// Balance returns the spendable balance.
func (w *Wallet) Balance() btcutil.Amount {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.balance
}

// SetSynced overrides the sync flag, used to model a wallet that is still
// catching up with the chain.
func (w *Wallet) SetSynced(synced bool) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.synced = synced
}

func (w *Wallet) PrepareLockupTx(
	_ context.Context, amount btcutil.Amount,
) (*ports.Transaction, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if !w.synced {
		return nil, ports.ErrWalletUnavailable
	}
	if amount <= 0 || amount > w.balance {
		return nil, ports.ErrInsufficientFunds
	}
	w.balance -= amount
	w.nonce++

	// Opaque lockup payload: marker, amount and a nonce keeping concurrent
	// lockups distinct.
	payload := make([]byte, 17)
	payload[0] = lockupMarker
	binary.BigEndian.PutUint64(payload[1:], uint64(amount))
	binary.BigEndian.PutUint64(payload[9:], w.nonce)
	return &ports.Transaction{Serialized: payload}, nil
}

func (w *Wallet) CompleteTx(
	_ context.Context, tx *ports.Transaction, opReturnData []byte,
) (*ports.Transaction, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if !w.synced {
		return nil, ports.ErrWalletUnavailable
	}
	completed := make([]byte, 0, len(tx.Serialized)+len(opReturnData))
	completed = append(completed, tx.Serialized...)
	completed = append(completed, opReturnData...)
	return &ports.Transaction{TxId: tx.TxId, Serialized: completed}, nil
}

func (w *Wallet) SignTx(
	_ context.Context, tx *ports.Transaction,
) (*ports.Transaction, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if !w.synced {
		return nil, ports.ErrWalletUnavailable
	}
	signed := make([]byte, 0, len(tx.Serialized)+1)
	signed = append(signed, tx.Serialized...)
	signed = append(signed, signMarker)
	return &ports.Transaction{TxId: tx.TxId, Serialized: signed}, nil
}

func (w *Wallet) BroadcastTx(
	_ context.Context, tx *ports.Transaction,
) (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if !w.synced {
		return "", ports.ErrWalletUnavailable
	}
	if len(tx.Serialized) == 0 {
		return "", ports.ErrTxVerification
	}
	txId := chainhash.HashH(tx.Serialized).String()
	w.commits[txId] = tx.Serialized
	log.Debugf("broadcast transaction %s", txId)
	return txId, nil
}

func (w *Wallet) CommitTx(_ context.Context, tx *ports.Transaction) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if !w.synced {
		return ports.ErrWalletUnavailable
	}
	if tx.TxId == "" || len(tx.Serialized) == 0 {
		return ports.ErrTxVerification
	}
	w.commits[tx.TxId] = tx.Serialized
	return nil
}

func (w *Wallet) IsSynced() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.synced
}
