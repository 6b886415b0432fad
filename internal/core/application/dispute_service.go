package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
)

// DefaultChatRetryDelay is the wait before the single re-attempt to apply a
// chat message whose dispute is not known yet, covering the window where
// the open-dispute message is still in flight.
const DefaultChatRetryDelay = 10 * time.Second

type bufferedMessage struct {
	msg        ports.Message
	from       string
	viaMailbox bool
}

// DisputeService owns dispute escalation and its chat channels.
//
// Dispute traffic can arrive long before the node is able to act on it: the
// wallet may still be syncing and local services initializing while the
// transport already drains the mailbox. Until every gate is open, inbound
// messages are buffered in arrival order and applied on the first readiness
// change, direct messages before mailbox ones.
type DisputeService struct {
	disputeRepo domain.DisputeRepository
	tradeRepo   domain.TradeRepository
	transport   ports.MessageTransport
	nodeKey     *btcec.PrivateKey
	agentAddr   string
	agentPubKey []byte
	retryDelay  time.Duration

	mtx                 sync.Mutex
	servicesInitialized bool
	walletSynced        bool
	directBuffer        []bufferedMessage
	mailboxBuffer       []bufferedMessage
	retried             map[string]bool
}

// NewDisputeService wires the service into the transport's catch-all
// handler. The agent is the mediator or arbitrator this node escalates to.
func NewDisputeService(
	disputeRepo domain.DisputeRepository, tradeRepo domain.TradeRepository,
	transport ports.MessageTransport, nodeKey *btcec.PrivateKey,
	agentAddr string, agentPubKey []byte,
) *DisputeService {
	s := &DisputeService{
		disputeRepo: disputeRepo,
		tradeRepo:   tradeRepo,
		transport:   transport,
		nodeKey:     nodeKey,
		agentAddr:   agentAddr,
		agentPubKey: agentPubKey,
		retryDelay:  DefaultChatRetryDelay,
		retried:     make(map[string]bool),
	}
	transport.AddCatchAllHandler(s.onMessage)
	return s
}

// SetServicesInitialized opens the initialization gate and drains the
// buffers when the service became ready.
func (s *DisputeService) SetServicesInitialized() {
	s.mtx.Lock()
	s.servicesInitialized = true
	s.mtx.Unlock()
	s.drainIfReady()
}

// SetWalletSynced records the wallet sync state; readiness requires it.
func (s *DisputeService) SetWalletSynced(synced bool) {
	s.mtx.Lock()
	s.walletSynced = synced
	s.mtx.Unlock()
	if synced {
		s.drainIfReady()
	}
}

// OnBootstrapped is called by the transport once the node joined the
// network.
func (s *DisputeService) OnBootstrapped() {
	s.drainIfReady()
}

func (s *DisputeService) ready() bool {
	return s.servicesInitialized && s.walletSynced && s.transport.Bootstrapped()
}

// OpenDispute escalates a trade: flags it disputed, records the dispute
// locally and notifies the trading peer and the dispute agent. Both
// notifications go through the mailbox, the counterparties may be offline.
func (s *DisputeService) OpenDispute(
	ctx context.Context, tradeId, reason string,
) (*domain.Dispute, error) {
	var trade *domain.Trade
	if err := s.tradeRepo.UpdateTrade(
		ctx, tradeId, func(t *domain.Trade) (*domain.Trade, error) {
			if err := t.OpenDispute(); err != nil {
				return nil, err
			}
			trade = t
			return t, nil
		},
	); err != nil {
		return nil, err
	}

	dispute := domain.NewDispute(tradeId, s.transport.Address(), s.agentAddr)
	if err := s.disputeRepo.AddDispute(ctx, dispute); err != nil {
		return nil, err
	}

	notice := &OpenDisputeMessage{
		tradeMessage:  newTradeMessage(tradeId),
		OpenerAddress: s.transport.Address(),
		OpenerPubKey:  s.nodeKey.PubKey().SerializeCompressed(),
		AgentAddress:  s.agentAddr,
		Reason:        reason,
	}
	if _, err := s.transport.SendMailboxMessage(
		ctx, trade.PeerAddress, trade.PeerPubKey, notice,
	); err != nil {
		log.WithError(err).Warnf("failed to notify peer of dispute on trade %s", tradeId)
	}
	if s.agentAddr != "" {
		if _, err := s.transport.SendMailboxMessage(
			ctx, s.agentAddr, s.agentPubKey, notice,
		); err != nil {
			log.WithError(err).Warnf("failed to notify agent of dispute on trade %s", tradeId)
		}
	}
	log.Infof("opened dispute %s on trade %s", dispute.Id, tradeId)
	return dispute, nil
}

// SendChatMessage records and delivers a chat message on the trade's open
// dispute channel. Delivery goes through the mailbox; the Acknowledged flag
// of the stored message flips when the ack comes back.
func (s *DisputeService) SendChatMessage(
	ctx context.Context, tradeId, text string, sessionType domain.ChatSessionType,
) (*domain.ChatMessage, error) {
	trade, err := s.tradeRepo.GetTrade(ctx, tradeId)
	if err != nil {
		return nil, err
	}
	chat := domain.NewChatMessage(tradeId, s.transport.Address(), text, sessionType)
	if err := s.disputeRepo.UpdateDispute(
		ctx, tradeId, func(d *domain.Dispute) (*domain.Dispute, error) {
			d.AddChatMessage(chat)
			return d, nil
		},
	); err != nil {
		return nil, err
	}

	payload := &ChatMessagePayload{
		tradeMessage:  tradeMessage{TradeId: tradeId, Uid: chat.Uid},
		SenderAddress: chat.SenderAddress,
		SenderPubKey:  s.nodeKey.PubKey().SerializeCompressed(),
		SessionType:   sessionType,
		Message:       text,
		Date:          chat.Date,
	}
	if _, err := s.transport.SendMailboxMessage(
		ctx, trade.PeerAddress, trade.PeerPubKey, payload,
	); err != nil {
		return nil, err
	}
	return chat, nil
}

// CloseDispute marks the dispute resolved.
func (s *DisputeService) CloseDispute(ctx context.Context, tradeId string) error {
	return s.disputeRepo.UpdateDispute(
		ctx, tradeId, func(d *domain.Dispute) (*domain.Dispute, error) {
			d.Close()
			return d, nil
		},
	)
}

func (s *DisputeService) onMessage(msg ports.Message, from string, viaMailbox bool) {
	switch msg.(type) {
	case *OpenDisputeMessage, *ChatMessagePayload, *AckMessage:
	default:
		return
	}

	s.mtx.Lock()
	if !s.ready() {
		buffered := bufferedMessage{msg: msg, from: from, viaMailbox: viaMailbox}
		if viaMailbox {
			s.mailboxBuffer = append(s.mailboxBuffer, buffered)
		} else {
			s.directBuffer = append(s.directBuffer, buffered)
		}
		log.Debugf("buffered %T for trade %s until ready", msg, msg.CorrelationID())
		s.mtx.Unlock()
		return
	}
	s.mtx.Unlock()

	s.apply(msg, from, viaMailbox)
}

// drainIfReady applies the buffered messages in arrival order once all
// gates are open. Called on every gate change.
func (s *DisputeService) drainIfReady() {
	s.mtx.Lock()
	if !s.ready() {
		s.mtx.Unlock()
		return
	}
	direct := s.directBuffer
	mailbox := s.mailboxBuffer
	s.directBuffer = nil
	s.mailboxBuffer = nil
	s.mtx.Unlock()

	for _, buffered := range direct {
		s.apply(buffered.msg, buffered.from, buffered.viaMailbox)
	}
	for _, buffered := range mailbox {
		s.apply(buffered.msg, buffered.from, buffered.viaMailbox)
	}
}

func (s *DisputeService) apply(msg ports.Message, from string, viaMailbox bool) {
	switch msg := msg.(type) {
	case *OpenDisputeMessage:
		s.applyOpenDispute(msg, viaMailbox)
	case *ChatMessagePayload:
		s.applyChat(msg, viaMailbox)
	case *AckMessage:
		s.applyAck(msg, viaMailbox)
	}
}

func (s *DisputeService) applyOpenDispute(msg *OpenDisputeMessage, viaMailbox bool) {
	ctx := context.Background()
	if err := s.tradeRepo.UpdateTrade(
		ctx, msg.TradeId, func(t *domain.Trade) (*domain.Trade, error) {
			t.DisputeStartedByPeer()
			return t, nil
		},
	); err != nil {
		log.WithError(err).Warnf("dispute opened on unknown trade %s", msg.TradeId)
		return
	}

	if _, err := s.disputeRepo.GetDispute(ctx, msg.TradeId); err != nil {
		if !errors.Is(err, domain.ErrDisputeNotFound) {
			log.WithError(err).Warnf("failed to look up dispute for trade %s", msg.TradeId)
			return
		}
		dispute := domain.NewDispute(msg.TradeId, msg.OpenerAddress, msg.AgentAddress)
		dispute.State = domain.DisputeStateStartedByPeer
		if err := s.disputeRepo.AddDispute(ctx, dispute); err != nil {
			log.WithError(err).Warnf("failed to record dispute on trade %s", msg.TradeId)
			return
		}
		log.Infof("peer %s opened dispute on trade %s", msg.OpenerAddress, msg.TradeId)
	}
	s.acknowledge(ctx, msg, msgTypeOpenDispute, viaMailbox)
}

// applyChat stores an inbound chat message on its dispute. A message whose
// dispute is not known yet gets exactly one delayed retry; a second miss is
// logged and the message dropped.
func (s *DisputeService) applyChat(msg *ChatMessagePayload, viaMailbox bool) {
	ctx := context.Background()

	err := s.disputeRepo.UpdateDispute(
		ctx, msg.TradeId, func(d *domain.Dispute) (*domain.Dispute, error) {
			d.AddChatMessage(&domain.ChatMessage{
				Uid:           msg.Uid,
				TradeId:       msg.TradeId,
				SenderAddress: msg.SenderAddress,
				SessionType:   msg.SessionType,
				Message:       msg.Message,
				Date:          msg.Date,
			})
			return d, nil
		},
	)
	if err == nil {
		s.acknowledge(ctx, msg, msgTypeChatMessage, viaMailbox)
		return
	}
	if !errors.Is(err, domain.ErrDisputeNotFound) {
		log.WithError(err).Warnf("failed to store chat message %s", msg.Uid)
		return
	}

	s.mtx.Lock()
	alreadyRetried := s.retried[msg.Uid]
	if !alreadyRetried {
		s.retried[msg.Uid] = true
	}
	s.mtx.Unlock()

	if alreadyRetried {
		log.Warnf("no dispute for chat message %s on trade %s after retry, dropping",
			msg.Uid, msg.TradeId)
		return
	}
	log.Debugf("no dispute yet for chat message %s on trade %s, retrying once",
		msg.Uid, msg.TradeId)
	time.AfterFunc(s.retryDelay, func() {
		s.applyChat(msg, viaMailbox)
	})
}

func (s *DisputeService) applyAck(msg *AckMessage, viaMailbox bool) {
	if msg.SourceMsgType == msgTypeChatMessage {
		ackError := ""
		if !msg.Success {
			ackError = msg.ErrorMessage
		}
		if err := s.disputeRepo.UpdateDispute(
			context.Background(), msg.TradeId,
			func(d *domain.Dispute) (*domain.Dispute, error) {
				if chat, ok := d.FindChatMessage(msg.SourceUid); ok {
					chat.Acknowledge(ackError)
				}
				return d, nil
			},
		); err != nil {
			log.WithError(err).Debugf("failed to record ack for chat message %s", msg.SourceUid)
		}
	}
	// Acks are terminal, even one that matched nothing must not be drained
	// from the mailbox over and over.
	if viaMailbox {
		s.transport.RemoveMailboxEntry(msg)
	}
}

func (s *DisputeService) acknowledge(
	ctx context.Context, msg ports.Message, msgType string, viaMailbox bool,
) {
	if viaMailbox {
		s.transport.RemoveMailboxEntry(msg)
	}
	// The sender address and key are carried inside the payloads; acks go
	// back over the mailbox so an offline sender still gets them.
	var addr string
	var pubKey []byte
	switch m := msg.(type) {
	case *ChatMessagePayload:
		addr, pubKey = m.SenderAddress, m.SenderPubKey
	case *OpenDisputeMessage:
		addr, pubKey = m.OpenerAddress, m.OpenerPubKey
	}
	if addr == "" {
		return
	}
	ack := NewAckMessage(msg, msgType, true, "")
	if _, err := s.transport.SendMailboxMessage(ctx, addr, pubKey, ack); err != nil {
		log.WithError(err).Debugf("failed to ack %s", msg.UID())
	}
}
