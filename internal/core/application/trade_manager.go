package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
)

// TradeManager creates and tracks the trade protocol instances of this
// node: taker trades started through TakeOffer and maker trades spawned
// when a reserving taker opens the deposit flow on one of our offers.
type TradeManager struct {
	tradeRepo    domain.TradeRepository
	wallet       ports.WalletService
	transport    ports.MessageTransport
	nodeKey      *btcec.PrivateKey
	offerService *OpenOfferService
	phaseTimeout time.Duration

	mtx       sync.Mutex
	protocols map[string]*TradeProtocol
}

// NewTradeManager wires itself as the offer service's take-offer handler.
func NewTradeManager(
	tradeRepo domain.TradeRepository, wallet ports.WalletService,
	transport ports.MessageTransport, nodeKey *btcec.PrivateKey,
	offerService *OpenOfferService, phaseTimeout time.Duration,
) *TradeManager {
	m := &TradeManager{
		tradeRepo:    tradeRepo,
		wallet:       wallet,
		transport:    transport,
		nodeKey:      nodeKey,
		offerService: offerService,
		phaseTimeout: phaseTimeout,
		protocols:    make(map[string]*TradeProtocol),
	}
	if offerService != nil {
		offerService.SetTakeOfferHandler(m.onTakeOffer)
	}
	return m
}

// Start re-creates protocol instances for trades that were in flight when
// the daemon last stopped, then drains the mailbox so messages that arrived
// while offline get processed.
func (m *TradeManager) Start(ctx context.Context) error {
	trades, err := m.tradeRepo.GetAllTrades(ctx)
	if err != nil {
		return err
	}
	for _, trade := range trades {
		if trade.IsCompleted() || trade.IsFailed() {
			continue
		}
		m.attachProtocol(trade)
		log.Infof("resumed trade %s in phase %s", trade.Id, trade.Status.Phase)
	}
	m.transport.ProcessMailbox()
	return nil
}

// TakeOffer runs the availability handshake for the given offer and, when
// the maker reserved it for us, starts the taker's deposit flow. The
// returned protocol is already registered and running.
func (m *TradeManager) TakeOffer(
	ctx context.Context, offer *domain.Offer,
	amount btcutil.Amount, price decimal.Decimal,
) (*TradeProtocol, error) {
	if _, err := m.tradeRepo.GetTrade(ctx, offer.Payload.Id); err == nil {
		return nil, domain.ErrTradeAlreadyExists
	} else if !errors.Is(err, domain.ErrTradeNotFound) {
		return nil, err
	}

	availability := NewAvailabilityProtocol(
		m.transport, m.nodeKey, offer, amount, price, DefaultAvailabilityTimeout,
	)
	response, err := availability.Run(ctx)
	if err != nil {
		return nil, err
	}
	if response.Result != domain.AvailabilityResultAvailable {
		return nil, fmt.Errorf("offer %s is not available: %s",
			offer.Payload.Id, response.Result)
	}

	trade := domain.NewTrade(
		offer.Payload, domain.TradeRoleTaker, takerSide(offer.Payload.Direction), amount,
	)
	if _, err := trade.ReserveOffer(
		offer.Payload.MakerAddress, offer.Payload.MakerPubKey,
	); err != nil {
		return nil, err
	}
	if err := m.tradeRepo.AddTrade(ctx, trade); err != nil {
		return nil, err
	}

	protocol := m.attachProtocol(trade)
	protocol.StartTakerFlow(ctx)
	return protocol, nil
}

// OnFiatPaymentStarted forwards the buyer's confirmation to the trade's
// protocol.
func (m *TradeManager) OnFiatPaymentStarted(ctx context.Context, tradeId string) error {
	protocol, ok := m.Protocol(tradeId)
	if !ok {
		return domain.ErrTradeNotFound
	}
	return protocol.OnFiatPaymentStarted(ctx)
}

// OnFiatPaymentReceived forwards the seller's confirmation to the trade's
// protocol.
func (m *TradeManager) OnFiatPaymentReceived(ctx context.Context, tradeId string) error {
	protocol, ok := m.Protocol(tradeId)
	if !ok {
		return domain.ErrTradeNotFound
	}
	return protocol.OnFiatPaymentReceived(ctx)
}

// Protocol returns the running protocol for a trade, if any.
func (m *TradeManager) Protocol(tradeId string) (*TradeProtocol, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	protocol, ok := m.protocols[tradeId]
	return protocol, ok
}

// onTakeOffer creates the maker-side trade when the reserving taker opens
// the deposit flow, then feeds the triggering message into the fresh
// protocol.
func (m *TradeManager) onTakeOffer(
	request *DepositTxInputsRequest, offer *domain.OpenOffer, from string,
) {
	ctx := context.Background()
	trade := domain.NewTrade(
		offer.Offer, domain.TradeRoleMaker, makerSide(offer.Offer.Direction),
		request.Amount,
	)
	if err := m.tradeRepo.AddTrade(ctx, trade); err != nil {
		log.WithError(err).Warnf("failed to create maker trade for offer %s",
			offer.Id())
		return
	}
	// The taken offer leaves the book and the replicated storage; other
	// takers must stop seeing it right away, not at TTL expiry.
	if err := m.offerService.CloseOffer(ctx, offer.Id()); err != nil {
		log.WithError(err).Warnf("failed to close open offer %s", offer.Id())
	}

	protocol := m.attachProtocol(trade)
	protocol.handleMessage(request, from, false)
}

func (m *TradeManager) attachProtocol(trade *domain.Trade) *TradeProtocol {
	model := NewProcessModel(trade, m.wallet, m.transport, m.tradeRepo, m.nodeKey)
	protocol := NewTradeProtocol(model, m.phaseTimeout, m.onProtocolFinished)

	m.mtx.Lock()
	m.protocols[trade.Id] = protocol
	m.mtx.Unlock()
	return protocol
}

func (m *TradeManager) onProtocolFinished(tradeId string) {
	m.mtx.Lock()
	delete(m.protocols, tradeId)
	m.mtx.Unlock()
}

// makerSide maps the offer direction to the maker's trade side: a maker
// buying bitcoin pays fiat.
func makerSide(direction domain.OfferDirection) domain.TradeSide {
	if direction == domain.OfferDirectionBuy {
		return domain.TradeSideBuyer
	}
	return domain.TradeSideSeller
}

func takerSide(direction domain.OfferDirection) domain.TradeSide {
	if direction == domain.OfferDirectionBuy {
		return domain.TradeSideSeller
	}
	return domain.TradeSideBuyer
}
