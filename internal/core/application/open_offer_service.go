package application

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
	"github.com/peerdex-network/peerdexd/pkg/pstore"
)

const (
	// DefaultOfferRefreshInterval is how often published offers get their
	// storage TTL refreshed, well below the offer TTL.
	DefaultOfferRefreshInterval = 6 * time.Minute
	// availabilityQueueSize bounds the inbound availability request queue.
	// Requests beyond it are dropped; the taker times out and retries.
	availabilityQueueSize = 64
)

// DefaultPriceTolerance is the maximum relative deviation between the
// taker's and the maker's view of the trade price.
var DefaultPriceTolerance = decimal.NewFromFloat(0.01)

type availabilityJob struct {
	request *OfferAvailabilityRequest
	from    string
}

// TakeOfferHandler is invoked when the reserving taker opens the deposit
// flow on one of our offers. Wired by the trade manager.
type TakeOfferHandler func(request *DepositTxInputsRequest, offer *domain.OpenOffer, from string)

// OpenOfferService owns the maker side of offer life: publishing offers to
// the replicated storage, refreshing their TTL, answering availability
// requests and handing reserved offers over to the trade manager.
//
// Availability requests are processed strictly one at a time by a single
// worker, and the offer is reserved before the response leaves the node.
// Two concurrent takers can therefore never both receive AVAILABLE.
type OpenOfferService struct {
	repo           domain.OfferRepository
	store          *pstore.Store
	transport      ports.MessageTransport
	nodeKey        *btcec.PrivateKey
	arbitratorAddr string
	mediatorAddr   string
	priceTolerance decimal.Decimal

	takeOfferHandler TakeOfferHandler
	requestCh        chan availabilityJob
}

// NewOpenOfferService wires the service into the transport's catch-all
// handler. Call Start to begin processing availability requests.
func NewOpenOfferService(
	repo domain.OfferRepository, store *pstore.Store,
	transport ports.MessageTransport, nodeKey *btcec.PrivateKey,
	arbitratorAddr, mediatorAddr string,
) *OpenOfferService {
	s := &OpenOfferService{
		repo:           repo,
		store:          store,
		transport:      transport,
		nodeKey:        nodeKey,
		arbitratorAddr: arbitratorAddr,
		mediatorAddr:   mediatorAddr,
		priceTolerance: DefaultPriceTolerance,
		requestCh:      make(chan availabilityJob, availabilityQueueSize),
	}
	transport.AddCatchAllHandler(s.onMessage)
	return s
}

// SetTakeOfferHandler registers the callback creating the maker-side trade.
func (s *OpenOfferService) SetTakeOfferHandler(handler TakeOfferHandler) {
	s.takeOfferHandler = handler
}

// Start runs the availability worker and the TTL refresh loop until the
// context is canceled.
func (s *OpenOfferService) Start(ctx context.Context) {
	go s.availabilityLoop(ctx)
	go s.refreshLoop(ctx, DefaultOfferRefreshInterval)
}

// PlaceOffer publishes the payload to the replicated storage and records the
// open offer locally.
func (s *OpenOfferService) PlaceOffer(
	ctx context.Context, payload domain.OfferPayload,
) (*domain.OpenOffer, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	raw, err := payload.Serialize()
	if err != nil {
		return nil, err
	}
	seqNum := s.store.NextSequenceNumber(raw)
	entry, err := pstore.NewEntry(
		domain.OfferPayloadType, raw, s.nodeKey, seqNum, domain.OfferTTL, true,
	)
	if err != nil {
		return nil, err
	}
	if !s.store.Add(entry, "") {
		return nil, fmt.Errorf("storage rejected offer %s", payload.Id)
	}

	offer := domain.NewOpenOffer(payload)
	offer.ArbitratorAddr = s.arbitratorAddr
	offer.MediatorAddr = s.mediatorAddr
	offer.StorageSeqNumber = seqNum
	if err := s.repo.AddOpenOffer(ctx, offer); err != nil {
		return nil, err
	}
	log.Infof("placed offer %s with sequence number %d", payload.Id, seqNum)
	return offer, nil
}

// CancelOffer removes the offer from the replicated storage and from the
// local book.
func (s *OpenOfferService) CancelOffer(ctx context.Context, offerId string) error {
	if err := s.removeFromStorage(ctx, offerId); err != nil {
		return err
	}
	return s.repo.DeleteOpenOffer(ctx, offerId)
}

// CloseOffer marks the reserved offer taken and withdraws it from the
// replicated storage, so other takers stop seeing it before its TTL runs
// out. The closed record stays in the local book.
func (s *OpenOfferService) CloseOffer(ctx context.Context, offerId string) error {
	if err := s.repo.UpdateOpenOffer(
		ctx, offerId, func(o *domain.OpenOffer) (*domain.OpenOffer, error) {
			o.Close()
			return o, nil
		},
	); err != nil {
		return err
	}
	return s.removeFromStorage(ctx, offerId)
}

// removeFromStorage broadcasts a signed removal for the offer's storage
// entry. An offer already expired from storage is not an error, only the
// local record is left then.
func (s *OpenOfferService) removeFromStorage(ctx context.Context, offerId string) error {
	offer, err := s.repo.GetOpenOffer(ctx, offerId)
	if err != nil {
		return err
	}
	raw, err := offer.Offer.Serialize()
	if err != nil {
		return err
	}

	stored, ok := s.store.Get(pstore.PayloadHash(raw))
	if !ok {
		log.Debugf("offer %s no longer in storage", offerId)
		return nil
	}
	removal, err := pstore.RemovalEntry(
		stored, s.nodeKey, s.store.NextSequenceNumber(raw),
	)
	if err != nil {
		return err
	}
	if !s.store.Remove(removal, "") {
		return fmt.Errorf("storage rejected removal of offer %s", offerId)
	}
	return nil
}

// RefreshOffers extends the storage TTL of every still-available offer with
// a bumped sequence number instead of retransmitting the payload.
func (s *OpenOfferService) RefreshOffers(ctx context.Context) {
	offers, err := s.repo.GetAllOpenOffers(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load open offers for refresh")
		return
	}
	for _, offer := range offers {
		if !offer.IsAvailable() {
			continue
		}
		raw, err := offer.Offer.Serialize()
		if err != nil {
			log.WithError(err).Warnf("failed to serialize offer %s", offer.Id())
			continue
		}
		seqNum := s.store.NextSequenceNumber(raw)
		msg, err := pstore.NewRefreshMessage(raw, s.nodeKey, seqNum)
		if err != nil {
			log.WithError(err).Warnf("failed to build refresh for offer %s", offer.Id())
			continue
		}
		if !s.store.RefreshTTL(msg, "") {
			log.Warnf("storage rejected refresh of offer %s", offer.Id())
			continue
		}
		if err := s.repo.UpdateOpenOffer(
			ctx, offer.Id(), func(o *domain.OpenOffer) (*domain.OpenOffer, error) {
				o.StorageSeqNumber = seqNum
				return o, nil
			},
		); err != nil {
			log.WithError(err).Warnf("failed to record refresh of offer %s", offer.Id())
		}
	}
}

func (s *OpenOfferService) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshOffers(ctx)
		}
	}
}

func (s *OpenOfferService) onMessage(msg ports.Message, from string, _ bool) {
	switch msg := msg.(type) {
	case *OfferAvailabilityRequest:
		select {
		case s.requestCh <- availabilityJob{request: msg, from: from}:
		default:
			log.Warnf("availability queue full, dropping request for offer %s",
				msg.TradeId)
		}
	case *DepositTxInputsRequest:
		s.onTakeOffer(msg, from)
	}
}

func (s *OpenOfferService) availabilityLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.requestCh:
			s.handleAvailabilityRequest(ctx, job)
		}
	}
}

// handleAvailabilityRequest decides and answers a single availability
// request. On AVAILABLE the offer has been reserved before the response is
// sent; when the response then cannot be delivered the reservation is
// released so the offer does not stay locked to an unreachable taker.
func (s *OpenOfferService) handleAvailabilityRequest(ctx context.Context, job availabilityJob) {
	request := job.request
	offerId := request.TradeId

	result := s.decideAvailability(ctx, request)

	response := &OfferAvailabilityResponse{
		tradeMessage: newTradeMessage(offerId),
		Result:       result,
	}
	if result == domain.AvailabilityResultAvailable {
		response.ArbitratorAddr = s.arbitratorAddr
		response.MediatorAddr = s.mediatorAddr
	}

	if err := s.transport.SendDirectMessage(
		ctx, request.TakerAddress, request.TakerPubKey, response,
	); err != nil {
		log.WithError(err).Warnf("failed to answer availability request for offer %s",
			offerId)
		if result == domain.AvailabilityResultAvailable {
			s.releaseReservation(ctx, offerId)
		}
		return
	}
	log.Debugf("answered availability request for offer %s with %s from %s",
		offerId, result, job.from)
}

func (s *OpenOfferService) decideAvailability(
	ctx context.Context, request *OfferAvailabilityRequest,
) domain.AvailabilityResult {
	offer, err := s.repo.GetOpenOffer(ctx, request.TradeId)
	if err != nil {
		return domain.AvailabilityResultOfferTaken
	}
	if len(request.TakerPubKey) == 0 || request.TakerAddress == "" {
		return domain.AvailabilityResultInvalidRequest
	}
	payload := offer.Offer
	if request.Amount < payload.MinAmount || request.Amount > payload.Amount {
		return domain.AvailabilityResultInvalidRequest
	}
	deviation := request.TakersTradePrice.Sub(payload.Price).Abs().
		Div(payload.Price)
	if deviation.GreaterThan(s.priceTolerance) {
		return domain.AvailabilityResultPriceOutOfTolerance
	}

	if err := s.repo.UpdateOpenOffer(
		ctx, request.TradeId, func(o *domain.OpenOffer) (*domain.OpenOffer, error) {
			if err := o.Reserve(); err != nil {
				return nil, err
			}
			return o, nil
		},
	); err != nil {
		return domain.AvailabilityResultOfferTaken
	}
	return domain.AvailabilityResultAvailable
}

func (s *OpenOfferService) releaseReservation(ctx context.Context, offerId string) {
	if err := s.repo.UpdateOpenOffer(
		ctx, offerId, func(o *domain.OpenOffer) (*domain.OpenOffer, error) {
			if err := o.ReleaseReservation(); err != nil {
				return nil, err
			}
			return o, nil
		},
	); err != nil {
		log.WithError(err).Warnf("failed to release reservation of offer %s", offerId)
	}
}

// onTakeOffer hands a reserved offer over to the trade manager when the
// taker opens the deposit flow.
func (s *OpenOfferService) onTakeOffer(request *DepositTxInputsRequest, from string) {
	if s.takeOfferHandler == nil {
		return
	}
	offer, err := s.repo.GetOpenOffer(context.Background(), request.TradeId)
	if err != nil {
		log.Debugf("deposit flow opened for unknown offer %s by %s",
			request.TradeId, from)
		return
	}
	if offer.State != domain.OpenOfferStateReserved {
		log.Warnf("deposit flow opened for offer %s in state %d, ignoring",
			request.TradeId, offer.State)
		return
	}
	s.takeOfferHandler(request, offer, from)
}
