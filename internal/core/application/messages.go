// Package application implements the use cases of the daemon: offer
// publishing and availability, the trade protocol state machine and dispute
// escalation. It owns the concrete message set crossing the transport.
package application

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
)

// Wire type tags. Part of the protocol, never renumber or reuse.
const (
	msgTypeAvailabilityRequest     = "availability_request"
	msgTypeAvailabilityResponse    = "availability_response"
	msgTypeDepositTxInputsRequest  = "deposit_tx_inputs_request"
	msgTypeDepositTxInputsResponse = "deposit_tx_inputs_response"
	msgTypePublishDepositTxRequest = "publish_deposit_tx_request"
	msgTypeDepositTxPublished      = "deposit_tx_published"
	msgTypeFiatTransferStarted     = "fiat_transfer_started"
	msgTypePayoutTxPublished       = "payout_tx_published"
	msgTypeAck                     = "ack"
	msgTypeChatMessage             = "chat_message"
	msgTypeOpenDispute             = "open_dispute"
)

// tradeMessage is the shared part of every protocol message: the trade (or
// offer) id it correlates to and a uid making redundant deliveries of the
// same message detectable.
type tradeMessage struct {
	TradeId string `json:"tradeId"`
	Uid     string `json:"uid"`
}

func newTradeMessage(tradeId string) tradeMessage {
	return tradeMessage{TradeId: tradeId, Uid: uuid.New().String()}
}

func (m tradeMessage) CorrelationID() string { return m.TradeId }
func (m tradeMessage) UID() string           { return m.Uid }

// OfferAvailabilityRequest is sent by a taker to check and reserve an offer
// before committing any funds.
type OfferAvailabilityRequest struct {
	tradeMessage
	TakerAddress     string          `json:"takerAddress"`
	TakerPubKey      []byte          `json:"takerPubKey"`
	TakersTradePrice decimal.Decimal `json:"takersTradePrice"`
	Amount           btcutil.Amount  `json:"amount"`
}

// OfferAvailabilityResponse carries the maker's verdict. On AVAILABLE the
// offer has already been reserved for the requesting taker, and the dispute
// agents the maker selected are included.
type OfferAvailabilityResponse struct {
	tradeMessage
	Result         domain.AvailabilityResult `json:"result"`
	ArbitratorAddr string                    `json:"arbitratorAddr,omitempty"`
	MediatorAddr   string                    `json:"mediatorAddr,omitempty"`
}

// DepositTxInputsRequest opens the deposit flow: the taker asks the maker
// for its inputs to the shared escrow deposit transaction.
type DepositTxInputsRequest struct {
	tradeMessage
	TakerAddress string         `json:"takerAddress"`
	TakerPubKey  []byte         `json:"takerPubKey"`
	Amount       btcutil.Amount `json:"amount"`
}

// DepositTxInputsResponse returns the maker's prepared half of the deposit
// transaction together with the maker's contract signature.
type DepositTxInputsResponse struct {
	tradeMessage
	PreparedDepositTx []byte `json:"preparedDepositTx"`
	MakerContractSig  []byte `json:"makerContractSig"`
	MakerPubKey       []byte `json:"makerPubKey"`
}

// PublishDepositTxRequest hands the taker-signed deposit transaction back to
// the maker, who completes and broadcasts it.
type PublishDepositTxRequest struct {
	tradeMessage
	SignedDepositTx []byte `json:"signedDepositTx"`
	TakerContractSig []byte `json:"takerContractSig"`
	ContractHash     []byte `json:"contractHash"`
}

// DepositTxPublishedMessage tells the taker the deposit hit the network.
// Mailbox capable: the taker may be offline when the maker broadcasts.
type DepositTxPublishedMessage struct {
	tradeMessage
	DepositTxId string `json:"depositTxId"`
	DepositTx   []byte `json:"depositTx"`
}

// FiatTransferStartedMessage is the buyer telling the seller the fiat leg
// has been initiated, carrying the buyer's payout signature. Mailbox capable.
type FiatTransferStartedMessage struct {
	tradeMessage
	BuyerPayoutTxSig   []byte `json:"buyerPayoutTxSig"`
	BuyerPayoutAddress string `json:"buyerPayoutAddress"`
}

// PayoutTxPublishedMessage is the seller telling the buyer the escrow payout
// has been broadcast. Mailbox capable.
type PayoutTxPublishedMessage struct {
	tradeMessage
	PayoutTxId string `json:"payoutTxId"`
	PayoutTx   []byte `json:"payoutTx"`
}

// AckMessage confirms (or rejects) the processing of a previously received
// message, identified by its uid.
type AckMessage struct {
	tradeMessage
	SourceMsgType string `json:"sourceMsgType"`
	SourceUid     string `json:"sourceUid"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// NewAckMessage builds the acknowledgment for the given source message.
func NewAckMessage(source ports.Message, sourceType string, success bool, errorMessage string) *AckMessage {
	return &AckMessage{
		tradeMessage:  newTradeMessage(source.CorrelationID()),
		SourceMsgType: sourceType,
		SourceUid:     source.UID(),
		Success:       success,
		ErrorMessage:  errorMessage,
	}
}

// ChatMessagePayload carries one dispute chat message. The sender's key is
// included so the ack can reach a sender that went offline in the meantime.
type ChatMessagePayload struct {
	tradeMessage
	SenderAddress string                 `json:"senderAddress"`
	SenderPubKey  []byte                 `json:"senderPubKey,omitempty"`
	SessionType   domain.ChatSessionType `json:"sessionType"`
	Message       string                 `json:"message"`
	Date          int64                  `json:"date"`
}

// OpenDisputeMessage notifies the dispute agent and the trading peer that a
// dispute was opened on the trade.
type OpenDisputeMessage struct {
	tradeMessage
	OpenerAddress string `json:"openerAddress"`
	OpenerPubKey  []byte `json:"openerPubKey,omitempty"`
	AgentAddress  string `json:"agentAddress"`
	Reason        string `json:"reason"`
}

// wireEnvelope frames a message on the wire with its type tag.
type wireEnvelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

var messageFactories = map[string]func() ports.Message{
	msgTypeAvailabilityRequest:     func() ports.Message { return &OfferAvailabilityRequest{} },
	msgTypeAvailabilityResponse:    func() ports.Message { return &OfferAvailabilityResponse{} },
	msgTypeDepositTxInputsRequest:  func() ports.Message { return &DepositTxInputsRequest{} },
	msgTypeDepositTxInputsResponse: func() ports.Message { return &DepositTxInputsResponse{} },
	msgTypePublishDepositTxRequest: func() ports.Message { return &PublishDepositTxRequest{} },
	msgTypeDepositTxPublished:      func() ports.Message { return &DepositTxPublishedMessage{} },
	msgTypeFiatTransferStarted:     func() ports.Message { return &FiatTransferStartedMessage{} },
	msgTypePayoutTxPublished:       func() ports.Message { return &PayoutTxPublishedMessage{} },
	msgTypeAck:                     func() ports.Message { return &AckMessage{} },
	msgTypeChatMessage:             func() ports.Message { return &ChatMessagePayload{} },
	msgTypeOpenDispute:             func() ports.Message { return &OpenDisputeMessage{} },
}

// MessageTypeOf returns the wire tag of a message.
func MessageTypeOf(msg ports.Message) (string, error) {
	switch msg.(type) {
	case *OfferAvailabilityRequest:
		return msgTypeAvailabilityRequest, nil
	case *OfferAvailabilityResponse:
		return msgTypeAvailabilityResponse, nil
	case *DepositTxInputsRequest:
		return msgTypeDepositTxInputsRequest, nil
	case *DepositTxInputsResponse:
		return msgTypeDepositTxInputsResponse, nil
	case *PublishDepositTxRequest:
		return msgTypePublishDepositTxRequest, nil
	case *DepositTxPublishedMessage:
		return msgTypeDepositTxPublished, nil
	case *FiatTransferStartedMessage:
		return msgTypeFiatTransferStarted, nil
	case *PayoutTxPublishedMessage:
		return msgTypePayoutTxPublished, nil
	case *AckMessage:
		return msgTypeAck, nil
	case *ChatMessagePayload:
		return msgTypeChatMessage, nil
	case *OpenDisputeMessage:
		return msgTypeOpenDispute, nil
	default:
		return "", fmt.Errorf("unknown message type %T", msg)
	}
}

// Codec is the JSON implementation of ports.MessageCodec for the protocol
// message set.
type Codec struct{}

// NewCodec returns the message codec used by every transport.
func NewCodec() ports.MessageCodec {
	return Codec{}
}

func (Codec) Encode(msg ports.Message) ([]byte, error) {
	msgType, err := MessageTypeOf(msg)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Type: msgType, Body: body})
}

func (Codec) Decode(raw []byte) (ports.Message, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("invalid message frame: %w", err)
	}
	factory, ok := messageFactories[envelope.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", envelope.Type)
	}
	msg := factory()
	if err := json.Unmarshal(envelope.Body, msg); err != nil {
		return nil, fmt.Errorf("invalid %s body: %w", envelope.Type, err)
	}
	return msg, nil
}
