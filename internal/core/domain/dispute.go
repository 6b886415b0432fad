package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is a free-form message exchanged over a dispute chat session.
// Messages are never deleted, only marked acknowledged once the counterparty
// confirmed receipt.
type ChatMessage struct {
	Uid           string
	TradeId       string
	SenderAddress string
	SessionType   ChatSessionType
	Message       string
	Date          int64
	Acknowledged  bool
	AckError      string
	WasDisplayed  bool
}

// NewChatMessage returns a chat message with a fresh uid.
func NewChatMessage(
	tradeId, senderAddress, message string, sessionType ChatSessionType,
) *ChatMessage {
	return &ChatMessage{
		Uid:           uuid.New().String(),
		TradeId:       tradeId,
		SenderAddress: senderAddress,
		SessionType:   sessionType,
		Message:       message,
		Date:          time.Now().UnixMilli(),
	}
}

// Acknowledge records the delivery outcome. The first acknowledgment wins.
func (m *ChatMessage) Acknowledge(ackError string) {
	if m.Acknowledged {
		return
	}
	m.Acknowledged = true
	m.AckError = ackError
}

// Dispute is the escalation record for a stalled trade, owning the chat
// history with the dispute agent.
type Dispute struct {
	Id            string
	TradeId       string
	OpenerAddress string
	AgentAddress  string
	State         DisputeState
	Date          int64
	ChatMessages  []*ChatMessage
}

// NewDispute opens a dispute for the given trade.
func NewDispute(tradeId, openerAddress, agentAddress string) *Dispute {
	return &Dispute{
		Id:            uuid.New().String(),
		TradeId:       tradeId,
		OpenerAddress: openerAddress,
		AgentAddress:  agentAddress,
		State:         DisputeStateOpened,
		Date:          time.Now().UnixMilli(),
	}
}

// AddChatMessage appends a message unless its uid is already present, so a
// redundantly delivered message is recorded once.
func (d *Dispute) AddChatMessage(msg *ChatMessage) bool {
	for _, existing := range d.ChatMessages {
		if existing.Uid == msg.Uid {
			return false
		}
	}
	d.ChatMessages = append(d.ChatMessages, msg)
	return true
}

// FindChatMessage returns the message with the given uid, if present.
func (d *Dispute) FindChatMessage(uid string) (*ChatMessage, bool) {
	for _, msg := range d.ChatMessages {
		if msg.Uid == uid {
			return msg, true
		}
	}
	return nil, false
}

// Close marks the dispute resolved.
func (d *Dispute) Close() {
	d.State = DisputeStateClosed
}

// IsClosed reports whether the dispute has been resolved.
func (d *Dispute) IsClosed() bool {
	return d.State == DisputeStateClosed
}
