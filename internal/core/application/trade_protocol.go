package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
	"github.com/peerdex-network/peerdexd/pkg/taskrunner"
)

// DefaultPhaseTimeout bounds the wait for the peer's next protocol message.
// A trade stuck longer than this in one phase is marked failed and left for
// dispute resolution.
const DefaultPhaseTimeout = 2 * time.Hour

// TradeProtocol drives one trade through its phases. It owns the message
// handler for the trade id and serializes every chain behind one mutex, so
// tasks never run concurrently for the same trade. The protocol instance is
// parameterized by the trade's role and side instead of being a separate
// type per combination.
type TradeProtocol struct {
	model        *ProcessModel
	phaseTimeout time.Duration
	onFinished   func(tradeId string)

	mtx     sync.Mutex
	cleaned bool
	timer   *time.Timer
}

// NewTradeProtocol registers the protocol as the message handler for its
// trade. onFinished is called once, after cleanup, whether the trade
// completed or failed.
func NewTradeProtocol(
	model *ProcessModel, phaseTimeout time.Duration, onFinished func(string),
) *TradeProtocol {
	if phaseTimeout <= 0 {
		phaseTimeout = DefaultPhaseTimeout
	}
	p := &TradeProtocol{
		model:        model,
		phaseTimeout: phaseTimeout,
		onFinished:   onFinished,
	}
	model.Transport.AddMessageHandler(model.Trade.Id, p.handleMessage)
	return p
}

// Trade returns the protocol's trade entity.
func (p *TradeProtocol) Trade() *domain.Trade {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.model.Trade
}

// StartTakerFlow kicks off the deposit flow after the taker reserved the
// offer through the availability protocol.
func (p *TradeProtocol) StartTakerFlow(ctx context.Context) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.model.Trade.Role != domain.TradeRoleTaker {
		log.Warnf("trade %s: taker flow started on maker protocol", p.model.Trade.Id)
		return
	}
	p.runChain(ctx, nil, "", false, taskSendDepositTxInputsRequest)
}

// OnFiatPaymentStarted is the buyer's confirmation that the fiat transfer
// was initiated. No-op with an error log when called on the wrong side or
// out of phase.
func (p *TradeProtocol) OnFiatPaymentStarted(ctx context.Context) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	trade := p.model.Trade
	if trade.Side != domain.TradeSideBuyer {
		return domain.ErrInvalidPhaseTransition
	}
	if trade.Status.Phase != domain.TradePhaseDepositPublished {
		return domain.ErrInvalidPhaseTransition
	}
	p.runChain(ctx, nil, "", false,
		taskBuyerCreatesPayoutTx,
		taskBuyerMarksFiatPaymentStarted,
		taskSendFiatTransferStartedMessage,
	)
	return nil
}

// OnFiatPaymentReceived is the seller's confirmation that the fiat arrived,
// unlocking the payout flow.
func (p *TradeProtocol) OnFiatPaymentReceived(ctx context.Context) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	trade := p.model.Trade
	if trade.Side != domain.TradeSideSeller {
		return domain.ErrInvalidPhaseTransition
	}
	if trade.Status.Phase != domain.TradePhaseFiatPaymentStarted {
		return domain.ErrInvalidPhaseTransition
	}
	p.runChain(ctx, nil, "", false,
		taskSellerMarksFiatPaymentReceived,
		taskSellerSignsAndPublishesPayoutTx,
		taskSendPayoutTxPublishedMessage,
		taskSellerCompletesTrade,
	)
	return nil
}

// Cleanup deregisters the protocol and stops its timers. Idempotent; safe to
// call at any point, including after a fault already cleaned up.
func (p *TradeProtocol) Cleanup() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.cleanupLocked()
}

func (p *TradeProtocol) handleMessage(msg ports.Message, from string, viaMailbox bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.cleaned {
		return
	}
	trade := p.model.Trade
	phase := trade.Status.Phase

	// Mailbox entries are only removed after successful processing, so the
	// same message shows up again on every drain until then; later direct
	// retransmissions are equally possible. Process each uid once.
	if !p.model.FirstUse(msg.UID()) {
		log.Debugf("trade %s: message %s already processed", trade.Id, msg.UID())
		return
	}

	switch msg := msg.(type) {
	case *DepositTxInputsRequest:
		if trade.Role != domain.TradeRoleMaker || phase > domain.TradePhaseOfferReserved {
			p.dropMessage(msg, from)
			return
		}
		p.runChain(context.Background(), msg, msgTypeDepositTxInputsRequest, viaMailbox,
			taskProcessDepositTxInputsRequest,
			taskMakerPreparesDepositTx,
			taskMakerSignsContract,
			taskSendDepositTxInputsResponse,
		)
	case *DepositTxInputsResponse:
		if trade.Role != domain.TradeRoleTaker || phase != domain.TradePhaseOfferReserved {
			p.dropMessage(msg, from)
			return
		}
		p.runChain(context.Background(), msg, msgTypeDepositTxInputsResponse, viaMailbox,
			taskProcessDepositTxInputsResponse,
			taskTakerSignsContract,
			taskTakerCompletesAndSignsDepositTx,
			taskSendPublishDepositTxRequest,
		)
	case *PublishDepositTxRequest:
		if trade.Role != domain.TradeRoleMaker || phase != domain.TradePhaseOfferReserved {
			p.dropMessage(msg, from)
			return
		}
		p.runChain(context.Background(), msg, msgTypePublishDepositTxRequest, viaMailbox,
			taskProcessPublishDepositTxRequest,
			taskMakerSignsAndPublishesDepositTx,
			taskSendDepositTxPublishedMessage,
		)
	case *DepositTxPublishedMessage:
		if trade.Role != domain.TradeRoleTaker || phase > domain.TradePhaseDepositPublished {
			p.dropMessage(msg, from)
			return
		}
		p.runChain(context.Background(), msg, msgTypeDepositTxPublished, viaMailbox,
			taskProcessDepositTxPublishedMessage,
		)
	case *FiatTransferStartedMessage:
		if trade.Side != domain.TradeSideSeller ||
			phase < domain.TradePhaseDepositPublished ||
			phase > domain.TradePhaseFiatPaymentStarted {
			p.dropMessage(msg, from)
			return
		}
		p.runChain(context.Background(), msg, msgTypeFiatTransferStarted, viaMailbox,
			taskProcessFiatTransferStartedMessage,
		)
	case *PayoutTxPublishedMessage:
		if trade.Side != domain.TradeSideBuyer ||
			phase < domain.TradePhaseFiatPaymentStarted {
			p.dropMessage(msg, from)
			return
		}
		p.runChain(context.Background(), msg, msgTypePayoutTxPublished, viaMailbox,
			taskProcessPayoutTxPublishedMessage,
		)
	case *AckMessage:
		if !msg.Success {
			log.Warnf("trade %s: peer rejected %s (%s): %s",
				trade.Id, msg.SourceMsgType, msg.SourceUid, msg.ErrorMessage)
		}
		// Acks are terminal, nothing waits on them beyond this point; a
		// mailbox copy would otherwise be re-delivered on every drain.
		if viaMailbox {
			p.model.Transport.RemoveMailboxEntry(msg)
		}
	default:
		p.dropMessage(msg, from)
	}
}

// dropMessage logs and discards a message the current state does not expect.
// Dropping instead of faulting keeps replayed or duplicate traffic from
// killing a healthy trade.
func (p *TradeProtocol) dropMessage(msg ports.Message, from string) {
	log.Debugf("trade %s: dropping unexpected %T from %s in phase %s",
		p.model.Trade.Id, msg, from, p.model.Trade.Status.Phase)
}

// runChain executes one task chain under the protocol lock. On success the
// source message is acked and, when drained from the mailbox, removed from
// it; on fault the trade is failed, the peer nacked and the protocol cleaned
// up. Side effects of completed tasks are not rolled back.
func (p *TradeProtocol) runChain(
	ctx context.Context, msg ports.Message, msgType string, viaMailbox bool,
	tasks ...tradeTask,
) {
	m := p.model
	m.Ctx = ctx
	m.CurrentMessage = msg

	var fault *taskrunner.Fault
	runner := taskrunner.New(m, nil, func(f *taskrunner.Fault) { fault = f })
	runner.AddTasks(tasks...)
	runner.Run()

	m.CurrentMessage = nil

	if fault != nil {
		p.handleFaultLocked(ctx, fault, msg, msgType)
		return
	}

	if msg != nil {
		p.sendAck(ctx, msg, msgType, true, "")
		if viaMailbox {
			m.Transport.RemoveMailboxEntry(msg)
		}
	}

	if m.Trade.IsCompleted() {
		log.Infof("trade %s completed", m.Trade.Id)
		p.cleanupLocked()
		if p.onFinished != nil {
			p.onFinished(m.Trade.Id)
		}
		return
	}
	p.restartTimeoutLocked()
}

// handleFaultLocked is the single failure path of the protocol: log, fail
// the trade in its current phase, nack the peer and clean up. There is no
// rollback of side effects already produced, in particular a broadcast
// deposit stays broadcast; the failed trade is left for dispute resolution.
func (p *TradeProtocol) handleFaultLocked(
	ctx context.Context, fault *taskrunner.Fault, msg ports.Message, msgType string,
) {
	trade := p.model.Trade
	log.WithError(fault).Errorf("trade %s failed in phase %s",
		trade.Id, trade.Status.Phase)

	trade.Fail(fault.Error())
	if err := p.model.SaveTrade(ctx); err != nil {
		log.WithError(err).Errorf("trade %s: failed to persist failure", trade.Id)
	}
	if msg != nil {
		p.sendAck(ctx, msg, msgType, false, fault.Error())
	}
	p.cleanupLocked()
	if p.onFinished != nil {
		p.onFinished(trade.Id)
	}
}

// sendAck confirms or rejects the processing of an inbound message. Best
// effort: the mailbox fallback covers an offline peer, remaining failures
// are only logged.
func (p *TradeProtocol) sendAck(
	ctx context.Context, msg ports.Message, msgType string,
	success bool, errorMessage string,
) {
	trade := p.model.Trade
	ack := NewAckMessage(msg, msgType, success, errorMessage)
	if _, err := p.model.Transport.SendMailboxMessage(
		ctx, trade.PeerAddress, trade.PeerPubKey, ack,
	); err != nil {
		log.WithError(err).Debugf("trade %s: failed to send ack", trade.Id)
	}
}

func (p *TradeProtocol) restartTimeoutLocked() {
	p.stopTimeoutLocked()
	p.timer = time.AfterFunc(p.phaseTimeout, p.onTimeout)
}

func (p *TradeProtocol) stopTimeoutLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *TradeProtocol) onTimeout() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.cleaned {
		return
	}
	p.handleFaultLocked(context.Background(), &taskrunner.Fault{
		Category: taskrunner.FaultProtocol,
		Task:     "PhaseTimeout",
		Err: fmt.Errorf("timed out in phase %s waiting for the peer",
			p.model.Trade.Status.Phase),
	}, nil, "")
}

func (p *TradeProtocol) cleanupLocked() {
	if p.cleaned {
		return
	}
	p.cleaned = true
	p.stopTimeoutLocked()
	p.model.Transport.RemoveMessageHandler(p.model.Trade.Id)
}
