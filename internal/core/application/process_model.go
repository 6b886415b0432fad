package application

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
)

// ProcessModel is the shared mutable state of one trade protocol instance.
// Tasks read and write it sequentially under the protocol's lock; it holds
// everything that must survive between task chains but is not part of the
// persisted trade entity.
type ProcessModel struct {
	Trade     *domain.Trade
	Wallet    ports.WalletService
	Transport ports.MessageTransport
	TradeRepo domain.TradeRepository
	NodeKey   *btcec.PrivateKey

	// Ctx is the context of the running task chain, set by the protocol
	// before the chain starts.
	Ctx context.Context

	// CurrentMessage is the inbound message the running task chain reacts
	// to, nil for chains triggered by the local user.
	CurrentMessage ports.Message

	// DepositTx and PayoutTx are wallet handles built up across chains.
	DepositTx *ports.Transaction
	PayoutTx  *ports.Transaction

	ContractHash    []byte
	MyContractSig   []byte
	PeerContractSig []byte
	BuyerPayoutSig  []byte

	mtx      sync.Mutex
	usedUids map[string]bool
}

// NewProcessModel returns the model for a freshly started protocol.
func NewProcessModel(
	trade *domain.Trade, wallet ports.WalletService,
	transport ports.MessageTransport, tradeRepo domain.TradeRepository,
	nodeKey *btcec.PrivateKey,
) *ProcessModel {
	return &ProcessModel{
		Trade:     trade,
		Wallet:    wallet,
		Transport: transport,
		TradeRepo: tradeRepo,
		NodeKey:   nodeKey,
		usedUids:  make(map[string]bool),
	}
}

// FirstUse records the uid of a message about to be processed and reports
// whether it was seen before. Mailbox entries are only removed after
// successful processing, so the same message can arrive again on the next
// mailbox drain; the guard makes that redundant delivery a no-op.
func (m *ProcessModel) FirstUse(uid string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.usedUids[uid] {
		return false
	}
	m.usedUids[uid] = true
	return true
}

// SaveTrade persists the current trade entity. Tasks call it after every
// completed state transition so a restart resumes from the reached phase.
func (m *ProcessModel) SaveTrade(ctx context.Context) error {
	trade := m.Trade
	return m.TradeRepo.UpdateTrade(
		ctx, trade.Id, func(_ *domain.Trade) (*domain.Trade, error) {
			return trade, nil
		},
	)
}
