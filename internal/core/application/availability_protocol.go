package application

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
)

// DefaultAvailabilityTimeout bounds the wait for the maker's availability
// response.
const DefaultAvailabilityTimeout = 30 * time.Second

// ErrAvailabilityTimeout is returned when the maker did not answer an
// availability request in time.
var ErrAvailabilityTimeout = fmt.Errorf("availability request timed out")

// AvailabilityProtocol is the taker's check-and-reserve handshake, run
// before any funds are committed. A successful run means the maker reserved
// the offer for this node; the deposit flow may start immediately.
type AvailabilityProtocol struct {
	transport ports.MessageTransport
	nodeKey   *btcec.PrivateKey
	offer     *domain.Offer
	amount    btcutil.Amount
	price     decimal.Decimal
	timeout   time.Duration
}

// NewAvailabilityProtocol returns a single-use protocol instance for the
// given offer. The price is the taker's view of the trade price; the maker
// rejects it when outside its tolerance.
func NewAvailabilityProtocol(
	transport ports.MessageTransport, nodeKey *btcec.PrivateKey,
	offer *domain.Offer, amount btcutil.Amount, price decimal.Decimal,
	timeout time.Duration,
) *AvailabilityProtocol {
	if timeout <= 0 {
		timeout = DefaultAvailabilityTimeout
	}
	return &AvailabilityProtocol{
		transport: transport,
		nodeKey:   nodeKey,
		offer:     offer,
		amount:    amount,
		price:     price,
		timeout:   timeout,
	}
}

// Run sends the availability request and blocks for the response. The
// offer's local state is updated with the outcome: Available, NotAvailable,
// MakerOffline when the request could not be delivered, Fault on timeout.
func (p *AvailabilityProtocol) Run(ctx context.Context) (*OfferAvailabilityResponse, error) {
	offerId := p.offer.Payload.Id

	responseCh := make(chan *OfferAvailabilityResponse, 1)
	p.transport.AddMessageHandler(offerId, func(msg ports.Message, from string, _ bool) {
		response, ok := msg.(*OfferAvailabilityResponse)
		if !ok {
			log.Debugf("offer %s: dropping unexpected %T from %s during availability check",
				offerId, msg, from)
			return
		}
		select {
		case responseCh <- response:
		default:
		}
	})
	defer p.transport.RemoveMessageHandler(offerId)

	request := &OfferAvailabilityRequest{
		tradeMessage:     newTradeMessage(offerId),
		TakerAddress:     p.transport.Address(),
		TakerPubKey:      p.nodeKey.PubKey().SerializeCompressed(),
		TakersTradePrice: p.price,
		Amount:           p.amount,
	}
	if err := p.transport.SendDirectMessage(
		ctx, p.offer.Payload.MakerAddress, p.offer.Payload.MakerPubKey, request,
	); err != nil {
		p.offer.State = domain.OfferStateMakerOffline
		p.offer.ErrorMessage = err.Error()
		return nil, err
	}

	select {
	case response := <-responseCh:
		if response.Result == domain.AvailabilityResultAvailable {
			p.offer.State = domain.OfferStateAvailable
		} else {
			p.offer.State = domain.OfferStateNotAvailable
			p.offer.ErrorMessage = response.Result.String()
		}
		return response, nil
	case <-time.After(p.timeout):
		p.offer.State = domain.OfferStateFault
		p.offer.ErrorMessage = ErrAvailabilityTimeout.Error()
		return nil, ErrAvailabilityTimeout
	case <-ctx.Done():
		p.offer.State = domain.OfferStateFault
		p.offer.ErrorMessage = ctx.Err().Error()
		return nil, ctx.Err()
	}
}
