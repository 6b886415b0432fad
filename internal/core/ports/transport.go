package ports

import (
	"context"
	"errors"
)

var (
	// ErrPeerOffline is returned when a direct send cannot reach the peer.
	ErrPeerOffline = errors.New("peer is offline")
	// ErrTransportClosed is returned for operations on a shut down
	// transport.
	ErrTransportClosed = errors.New("transport is closed")
)

// Message is the envelope contract for everything crossing the transport.
// CorrelationID ties a message to its trade or offer; UID makes redundant
// deliveries of the same message detectable.
type Message interface {
	CorrelationID() string
	UID() string
}

// MessageHandler consumes an inbound message from the given peer address.
// Handlers for the same transport are invoked sequentially in delivery
// order; the transport never reorders messages of one correlation id.
// viaMailbox is true when the message was drained from the replicated
// mailbox rather than delivered directly.
type MessageHandler func(msg Message, from string, viaMailbox bool)

// MessageCodec translates messages to and from wire frames. Implemented by
// the application layer which owns the concrete message set.
type MessageCodec interface {
	Encode(msg Message) ([]byte, error)
	Decode(raw []byte) (Message, error)
}

// MessageTransport is the boundary to the peer-to-peer network. Direct sends
// fail when the peer is unreachable; mailbox sends fall back to storing the
// message in the replicated mailbox for later delivery.
type MessageTransport interface {
	// SendDirectMessage delivers msg to the peer at addr, encrypted for the
	// owner of peerPubKey. Returns ErrPeerOffline when no route exists.
	SendDirectMessage(ctx context.Context, addr string, peerPubKey []byte, msg Message) error
	// SendMailboxMessage tries a direct delivery first and falls back to the
	// replicated mailbox. The returned flag says whether the message ended
	// up in the mailbox rather than being delivered directly.
	SendMailboxMessage(ctx context.Context, addr string, peerPubKey []byte, msg Message) (bool, error)
	// AddMessageHandler registers the handler for inbound messages with the
	// given correlation id. One handler per id; registering again replaces.
	AddMessageHandler(correlationId string, handler MessageHandler)
	// RemoveMessageHandler deregisters the handler. Idempotent.
	RemoveMessageHandler(correlationId string)
	// AddCatchAllHandler registers a handler receiving every inbound message
	// that no correlation-id handler consumed.
	AddCatchAllHandler(handler MessageHandler)
	// RemoveMailboxEntry acknowledges a processed mailbox message, removing
	// it from the replicated mailbox.
	RemoveMailboxEntry(msg Message)
	// ProcessMailbox drains mailbox entries addressed to this node,
	// dispatching them like direct messages.
	ProcessMailbox()
	// Bootstrapped reports whether the node has joined the network.
	Bootstrapped() bool
	// Address returns this node's own address.
	Address() string
}
