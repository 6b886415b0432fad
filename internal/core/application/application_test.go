package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
	"github.com/peerdex-network/peerdexd/internal/infrastructure/storage/db/inmemory"
	"github.com/peerdex-network/peerdexd/internal/infrastructure/transport"
	"github.com/peerdex-network/peerdexd/pkg/pstore"
)

const (
	eventuallyTimeout = 3 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

// stubWallet counts operations and fails on demand, standing in for the
// node wallet in protocol tests.
type stubWallet struct {
	mtx            sync.Mutex
	prepareErr     error
	completeErr    error
	broadcastCount int
	commitCount    int
}

func (w *stubWallet) PrepareLockupTx(
	_ context.Context, amount btcutil.Amount,
) (*ports.Transaction, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.prepareErr != nil {
		return nil, w.prepareErr
	}
	return &ports.Transaction{Serialized: []byte{0x01, byte(amount)}}, nil
}

func (w *stubWallet) CompleteTx(
	_ context.Context, tx *ports.Transaction, opReturnData []byte,
) (*ports.Transaction, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.completeErr != nil {
		return nil, w.completeErr
	}
	serialized := append(append([]byte{}, tx.Serialized...), opReturnData...)
	return &ports.Transaction{TxId: tx.TxId, Serialized: serialized}, nil
}

func (w *stubWallet) SignTx(
	_ context.Context, tx *ports.Transaction,
) (*ports.Transaction, error) {
	signed := append(append([]byte{}, tx.Serialized...), 0xff)
	return &ports.Transaction{TxId: tx.TxId, Serialized: signed}, nil
}

func (w *stubWallet) BroadcastTx(
	_ context.Context, tx *ports.Transaction,
) (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.broadcastCount++
	return chainTxId(tx.Serialized), nil
}

func (w *stubWallet) CommitTx(_ context.Context, tx *ports.Transaction) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.commitCount++
	return nil
}

func (w *stubWallet) IsSynced() bool { return true }

func (w *stubWallet) commits() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.commitCount
}

func chainTxId(serialized []byte) string {
	return pstore.PayloadHash(serialized).String()
}

type testNode struct {
	t         *testing.T
	addr      string
	key       *btcec.PrivateKey
	transport *transport.InprocTransport
	wallet    *stubWallet
	db        *inmemory.DbManager
	offerSvc  *OpenOfferService
	manager   *TradeManager
}

func newTestNode(
	t *testing.T, ctx context.Context, hub *transport.InprocHub,
	store *pstore.Store, addr string,
) *testNode {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	tr := hub.Join(addr, key, store, NewCodec())
	t.Cleanup(tr.Close)

	db := inmemory.NewDbManager()
	wallet := &stubWallet{}
	offerSvc := NewOpenOfferService(
		db.OfferRepository(), store, tr, key,
		"arbitrator.onion:1000", "mediator.onion:1000",
	)
	manager := NewTradeManager(
		db.TradeRepository(), wallet, tr, key, offerSvc, time.Minute,
	)
	offerSvc.Start(ctx)

	return &testNode{
		t:         t,
		addr:      addr,
		key:       key,
		transport: tr,
		wallet:    wallet,
		db:        db,
		offerSvc:  offerSvc,
		manager:   manager,
	}
}

func (n *testNode) placeOffer(ctx context.Context, direction domain.OfferDirection) *domain.OpenOffer {
	n.t.Helper()
	payload := domain.NewOfferPayload(
		direction, decimal.NewFromInt(45000),
		btcutil.Amount(1000000), btcutil.Amount(100000),
		"EUR", "SEPA", n.addr, n.key.PubKey().SerializeCompressed(),
	)
	offer, err := n.offerSvc.PlaceOffer(ctx, payload)
	require.NoError(n.t, err)
	return offer
}

func (n *testNode) trade(tradeId string) *domain.Trade {
	trade, err := n.db.TradeRepository().GetTrade(context.Background(), tradeId)
	if err != nil {
		return nil
	}
	return trade
}

func (n *testNode) tradeReached(tradeId string, phase domain.TradePhase) func() bool {
	return func() bool {
		trade := n.trade(tradeId)
		return trade != nil && trade.Status.Phase >= phase
	}
}

func TestTradeHappyPathAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewInprocHub()
	store := pstore.NewStore(pstore.StoreConfig{})
	maker := newTestNode(t, ctx, hub, store, "maker.onion:9999")
	taker := newTestNode(t, ctx, hub, store, "taker.onion:9999")

	// Maker buys bitcoin, so the maker is the fiat payer of the trade.
	open := maker.placeOffer(ctx, domain.OfferDirectionBuy)
	tradeId := open.Id()
	require.Equal(t, 1, store.Size())

	offer := &domain.Offer{Payload: open.Offer}
	_, err := taker.manager.TakeOffer(
		ctx, offer, btcutil.Amount(500000), open.Offer.Price,
	)
	require.NoError(t, err)

	require.Eventually(t,
		maker.tradeReached(tradeId, domain.TradePhaseDepositPublished),
		eventuallyTimeout, eventuallyTick)
	require.Eventually(t,
		taker.tradeReached(tradeId, domain.TradePhaseDepositPublished),
		eventuallyTimeout, eventuallyTick)

	makerTrade := maker.trade(tradeId)
	takerTrade := taker.trade(tradeId)
	require.Equal(t, domain.TradeSideBuyer, makerTrade.Side)
	require.Equal(t, domain.TradeSideSeller, takerTrade.Side)
	require.Equal(t, makerTrade.DepositTxId, takerTrade.DepositTxId)
	require.NotEmpty(t, makerTrade.ContractHash)
	require.Equal(t, makerTrade.ContractHash, takerTrade.ContractHash)

	// The open offer left the book when the deposit flow started, and its
	// entry was withdrawn from the replicated storage right away instead of
	// lingering until TTL expiry.
	storedOffer, err := maker.db.OfferRepository().GetOpenOffer(ctx, tradeId)
	require.NoError(t, err)
	require.Equal(t, domain.OpenOfferStateClosed, storedOffer.State)
	require.Zero(t, store.Size())

	require.NoError(t, maker.manager.OnFiatPaymentStarted(ctx, tradeId))
	require.Eventually(t,
		taker.tradeReached(tradeId, domain.TradePhaseFiatPaymentStarted),
		eventuallyTimeout, eventuallyTick)

	require.NoError(t, taker.manager.OnFiatPaymentReceived(ctx, tradeId))
	require.Eventually(t,
		maker.tradeReached(tradeId, domain.TradePhaseCompleted),
		eventuallyTimeout, eventuallyTick)
	require.Eventually(t,
		taker.tradeReached(tradeId, domain.TradePhaseCompleted),
		eventuallyTimeout, eventuallyTick)

	makerTrade = maker.trade(tradeId)
	takerTrade = taker.trade(tradeId)
	require.Equal(t, makerTrade.PayoutTxId, takerTrade.PayoutTxId)
	require.False(t, makerTrade.IsFailed())
	require.False(t, takerTrade.IsFailed())

	// Finished protocols deregister themselves.
	require.Eventually(t, func() bool {
		_, makerHas := maker.manager.Protocol(tradeId)
		_, takerHas := taker.manager.Protocol(tradeId)
		return !makerHas && !takerHas
	}, eventuallyTimeout, eventuallyTick)
}

func TestConcurrentTakersSingleReservation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewInprocHub()
	store := pstore.NewStore(pstore.StoreConfig{})
	maker := newTestNode(t, ctx, hub, store, "maker.onion:9999")
	takerOne := newTestNode(t, ctx, hub, store, "taker-one.onion:9999")
	takerTwo := newTestNode(t, ctx, hub, store, "taker-two.onion:9999")

	open := maker.placeOffer(ctx, domain.OfferDirectionSell)

	type checkOutcome struct {
		result domain.AvailabilityResult
		err    error
	}
	outcomes := make(chan checkOutcome, 2)
	var wg sync.WaitGroup
	for _, n := range []*testNode{takerOne, takerTwo} {
		wg.Add(1)
		go func(n *testNode) {
			defer wg.Done()
			offer := &domain.Offer{Payload: open.Offer}
			protocol := NewAvailabilityProtocol(
				n.transport, n.key, offer, btcutil.Amount(500000),
				open.Offer.Price, time.Second,
			)
			response, err := protocol.Run(ctx)
			if err != nil {
				outcomes <- checkOutcome{err: err}
				return
			}
			outcomes <- checkOutcome{result: response.Result}
		}(n)
	}
	wg.Wait()
	close(outcomes)

	var available, taken int
	for outcome := range outcomes {
		require.NoError(t, outcome.err)
		switch outcome.result {
		case domain.AvailabilityResultAvailable:
			available++
		case domain.AvailabilityResultOfferTaken:
			taken++
		}
	}
	require.Equal(t, 1, available, "exactly one taker wins the reservation")
	require.Equal(t, 1, taken, "the loser observes the reservation")

	storedOffer, err := maker.db.OfferRepository().GetOpenOffer(ctx, open.Id())
	require.NoError(t, err)
	require.Equal(t, domain.OpenOfferStateReserved, storedOffer.State)
}

func TestAvailabilityPriceOutOfTolerance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewInprocHub()
	store := pstore.NewStore(pstore.StoreConfig{})
	maker := newTestNode(t, ctx, hub, store, "maker.onion:9999")
	taker := newTestNode(t, ctx, hub, store, "taker.onion:9999")

	open := maker.placeOffer(ctx, domain.OfferDirectionSell)

	offer := &domain.Offer{Payload: open.Offer}
	protocol := NewAvailabilityProtocol(
		taker.transport, taker.key, offer, btcutil.Amount(500000),
		open.Offer.Price.Mul(decimal.NewFromFloat(1.10)), time.Second,
	)
	response, err := protocol.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityResultPriceOutOfTolerance, response.Result)
	require.Equal(t, domain.OfferStateNotAvailable, offer.State)

	// The offer was not reserved for the rejected taker.
	storedOffer, err := maker.db.OfferRepository().GetOpenOffer(ctx, open.Id())
	require.NoError(t, err)
	require.True(t, storedOffer.IsAvailable())
}

func TestAvailabilityMakerOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewInprocHub()
	store := pstore.NewStore(pstore.StoreConfig{})
	maker := newTestNode(t, ctx, hub, store, "maker.onion:9999")
	taker := newTestNode(t, ctx, hub, store, "taker.onion:9999")

	open := maker.placeOffer(ctx, domain.OfferDirectionSell)
	hub.SetOffline(maker.addr, true)

	offer := &domain.Offer{Payload: open.Offer}
	_, err := taker.manager.TakeOffer(
		ctx, offer, btcutil.Amount(500000), open.Offer.Price,
	)
	require.ErrorIs(t, err, ports.ErrPeerOffline)
	require.Equal(t, domain.OfferStateMakerOffline, offer.State)
}

func TestWalletFaultFailsTradeWithoutRollback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewInprocHub()
	store := pstore.NewStore(pstore.StoreConfig{})
	maker := newTestNode(t, ctx, hub, store, "maker.onion:9999")
	taker := newTestNode(t, ctx, hub, store, "taker.onion:9999")

	open := maker.placeOffer(ctx, domain.OfferDirectionBuy)
	tradeId := open.Id()
	maker.wallet.prepareErr = ports.ErrInsufficientFunds

	offer := &domain.Offer{Payload: open.Offer}
	_, err := taker.manager.TakeOffer(
		ctx, offer, btcutil.Amount(500000), open.Offer.Price,
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		trade := maker.trade(tradeId)
		return trade != nil && trade.IsFailed()
	}, eventuallyTimeout, eventuallyTick)

	makerTrade := maker.trade(tradeId)
	require.Contains(t, makerTrade.Status.ErrorMessage, "wallet")
	// The phase reached before the fault is preserved.
	require.Equal(t, domain.TradePhaseOfferReserved, makerTrade.Status.Phase)

	// No rollback: the offer stays off the book even though the trade
	// failed; recovering it is an operator decision.
	storedOffer, err := maker.db.OfferRepository().GetOpenOffer(ctx, tradeId)
	require.NoError(t, err)
	require.Equal(t, domain.OpenOfferStateClosed, storedOffer.State)

	// The taker never sees a deposit.
	takerTrade := taker.trade(tradeId)
	require.NotNil(t, takerTrade)
	require.Equal(t, domain.TradePhaseOfferReserved, takerTrade.Status.Phase)
	require.Empty(t, takerTrade.DepositTxId)

	// The failed protocol deregistered itself.
	require.Eventually(t, func() bool {
		_, ok := maker.manager.Protocol(tradeId)
		return !ok
	}, eventuallyTimeout, eventuallyTick)
}

func TestMailboxMessageProcessedOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewInprocHub()
	store := pstore.NewStore(pstore.StoreConfig{})
	maker := newTestNode(t, ctx, hub, store, "maker.onion:9999")
	taker := newTestNode(t, ctx, hub, store, "taker.onion:9999")

	open := maker.placeOffer(ctx, domain.OfferDirectionBuy)
	trade := domain.NewTrade(
		open.Offer, domain.TradeRoleTaker, domain.TradeSideSeller,
		btcutil.Amount(500000),
	)
	_, err := trade.ReserveOffer(maker.addr, open.Offer.MakerPubKey)
	require.NoError(t, err)
	require.NoError(t, taker.db.TradeRepository().AddTrade(ctx, trade))

	model := NewProcessModel(
		trade, taker.wallet, taker.transport, taker.db.TradeRepository(), taker.key,
	)
	protocol := NewTradeProtocol(model, time.Minute, nil)
	defer protocol.Cleanup()

	msg := &DepositTxPublishedMessage{
		tradeMessage: newTradeMessage(trade.Id),
		DepositTxId:  "deposit-txid",
		DepositTx:    []byte{0xde, 0xad},
	}

	// The same mailbox message delivered on two consecutive drains: the
	// entry is only removed after the first successful processing, so the
	// second delivery must be a no-op.
	protocol.handleMessage(msg, maker.addr, true)
	protocol.handleMessage(msg, maker.addr, true)

	require.Equal(t, 1, taker.wallet.commits())
	require.Equal(t, domain.TradePhaseDepositPublished, protocol.Trade().Status.Phase)
	require.False(t, protocol.Trade().IsFailed())
}

func TestMailboxAckRemovedAfterProcessing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewInprocHub()
	store := pstore.NewStore(pstore.StoreConfig{})
	maker := newTestNode(t, ctx, hub, store, "maker.onion:9999")
	taker := newTestNode(t, ctx, hub, store, "taker.onion:9999")

	payload := domain.NewOfferPayload(
		domain.OfferDirectionBuy, decimal.NewFromInt(45000),
		btcutil.Amount(1000000), btcutil.Amount(100000),
		"EUR", "SEPA", maker.addr, maker.key.PubKey().SerializeCompressed(),
	)
	trade := domain.NewTrade(
		payload, domain.TradeRoleTaker, domain.TradeSideSeller,
		btcutil.Amount(500000),
	)
	_, err := trade.ReserveOffer(maker.addr, payload.MakerPubKey)
	require.NoError(t, err)
	require.NoError(t, taker.db.TradeRepository().AddTrade(ctx, trade))

	model := NewProcessModel(
		trade, taker.wallet, taker.transport, taker.db.TradeRepository(), taker.key,
	)
	protocol := NewTradeProtocol(model, time.Minute, nil)
	defer protocol.Cleanup()

	// An ack arriving while the taker is offline ends up in the mailbox.
	hub.SetOffline(taker.addr, true)
	source := &FiatTransferStartedMessage{tradeMessage: newTradeMessage(trade.Id)}
	ack := NewAckMessage(source, msgTypeFiatTransferStarted, true, "")
	storedInMailbox, err := maker.transport.SendMailboxMessage(
		ctx, taker.addr, taker.key.PubKey().SerializeCompressed(), ack,
	)
	require.NoError(t, err)
	require.True(t, storedInMailbox)
	require.Equal(t, 1, store.Size())

	// Draining the mailbox processes the ack and drops its entry; a second
	// drain must not re-deliver it.
	hub.SetOffline(taker.addr, false)
	taker.transport.ProcessMailbox()
	require.Eventually(t, func() bool { return store.Size() == 0 },
		eventuallyTimeout, eventuallyTick)
	require.False(t, protocol.Trade().IsFailed())
}

func TestMailboxDeliveryWhileOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewInprocHub()
	store := pstore.NewStore(pstore.StoreConfig{})
	maker := newTestNode(t, ctx, hub, store, "maker.onion:9999")
	taker := newTestNode(t, ctx, hub, store, "taker.onion:9999")

	hub.SetOffline(taker.addr, true)

	msg := &FiatTransferStartedMessage{
		tradeMessage:       newTradeMessage("some-trade"),
		BuyerPayoutTxSig:   []byte{0x01},
		BuyerPayoutAddress: maker.addr,
	}
	storedInMailbox, err := maker.transport.SendMailboxMessage(
		ctx, taker.addr, taker.key.PubKey().SerializeCompressed(), msg,
	)
	require.NoError(t, err)
	require.True(t, storedInMailbox)

	// Back online, the taker drains its mailbox and sees the message.
	hub.SetOffline(taker.addr, false)
	type delivery struct {
		msg        ports.Message
		viaMailbox bool
	}
	received := make(chan delivery, 1)
	taker.transport.AddMessageHandler(
		"some-trade", func(m ports.Message, _ string, viaMailbox bool) {
			received <- delivery{msg: m, viaMailbox: viaMailbox}
		},
	)
	taker.transport.ProcessMailbox()

	select {
	case d := <-received:
		require.True(t, d.viaMailbox)
		require.Equal(t, msg.UID(), d.msg.UID())
	case <-time.After(eventuallyTimeout):
		t.Fatal("mailbox message was not delivered")
	}

	// Acknowledging removes the entry; the next drain delivers nothing.
	taker.transport.RemoveMailboxEntry(msg)
	taker.transport.ProcessMailbox()
	select {
	case <-received:
		t.Fatal("removed mailbox entry was delivered again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOfferRefreshAndCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewInprocHub()
	store := pstore.NewStore(pstore.StoreConfig{})
	maker := newTestNode(t, ctx, hub, store, "maker.onion:9999")

	open := maker.placeOffer(ctx, domain.OfferDirectionSell)
	require.Equal(t, uint32(1), open.StorageSeqNumber)

	maker.offerSvc.RefreshOffers(ctx)
	refreshed, err := maker.db.OfferRepository().GetOpenOffer(ctx, open.Id())
	require.NoError(t, err)
	require.Equal(t, uint32(2), refreshed.StorageSeqNumber)
	require.Equal(t, 1, store.Size())

	require.NoError(t, maker.offerSvc.CancelOffer(ctx, open.Id()))
	require.Zero(t, store.Size())
	_, err = maker.db.OfferRepository().GetOpenOffer(ctx, open.Id())
	require.ErrorIs(t, err, domain.ErrOfferNotFound)
}
