// Package transport provides the peer-to-peer message transports of the
// daemon: a websocket transport for real networks and an in-process one
// wiring nodes directly together, used by tests and single-process setups.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	log "github.com/sirupsen/logrus"

	"github.com/peerdex-network/peerdexd/internal/core/ports"
	"github.com/peerdex-network/peerdexd/pkg/pstore"
)

// MailboxPayloadType tags mailbox messages inside protected storage entries.
const MailboxPayloadType = "mailbox"

// MailboxTTL is how long an undelivered mailbox message survives in the
// replicated storage.
const MailboxTTL = 15 * 24 * time.Hour

// InprocHub connects in-process transports by address. Each node dispatches
// its inbound messages on a single goroutine in arrival order, so handlers
// never run concurrently and a reply cannot re-enter the sender's call
// stack.
type InprocHub struct {
	mtx   sync.Mutex
	nodes map[string]*InprocTransport
}

// NewInprocHub returns an empty hub.
func NewInprocHub() *InprocHub {
	return &InprocHub{nodes: map[string]*InprocTransport{}}
}

// Join registers a node under addr. The store plays the role of the
// replicated storage holding mailbox entries; nodes sharing one store see
// each other's mailbox traffic immediately.
func (h *InprocHub) Join(
	addr string, nodeKey *btcec.PrivateKey, store *pstore.Store,
	codec ports.MessageCodec,
) *InprocTransport {
	t := &InprocTransport{
		hub:            h,
		addr:           addr,
		nodeKey:        nodeKey,
		store:          store,
		codec:          codec,
		bootstrapped:   true,
		handlers:       map[string]ports.MessageHandler{},
		mailboxEntries: map[string]chainhash.Hash{},
		inbox:          make(chan inboundMessage, 256),
		closed:         make(chan struct{}),
	}
	go t.dispatchLoop()
	h.mtx.Lock()
	h.nodes[addr] = t
	h.mtx.Unlock()
	return t
}

type inboundMessage struct {
	msg        ports.Message
	from       string
	viaMailbox bool
}

// SetOffline toggles reachability of a node. Direct sends to an offline
// node fail with ErrPeerOffline; mailbox sends fall back to storage.
func (h *InprocHub) SetOffline(addr string, offline bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if node, ok := h.nodes[addr]; ok {
		node.offline = offline
	}
}

func (h *InprocHub) lookup(addr string) (*InprocTransport, bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	node, ok := h.nodes[addr]
	if !ok || node.offline {
		return nil, false
	}
	return node, true
}

// InprocTransport is the in-process implementation of
// ports.MessageTransport.
type InprocTransport struct {
	hub          *InprocHub
	addr         string
	nodeKey      *btcec.PrivateKey
	store        *pstore.Store
	codec        ports.MessageCodec
	offline      bool
	bootstrapped bool

	handlersMtx    sync.Mutex
	handlers       map[string]ports.MessageHandler
	catchAll       []ports.MessageHandler
	mailboxEntries map[string]chainhash.Hash

	inbox     chan inboundMessage
	closed    chan struct{}
	closeOnce sync.Once
}

var _ ports.MessageTransport = (*InprocTransport)(nil)

func (t *InprocTransport) SendDirectMessage(
	_ context.Context, addr string, _ []byte, msg ports.Message,
) error {
	peer, ok := t.hub.lookup(addr)
	if !ok {
		return ports.ErrPeerOffline
	}
	peer.deliver(msg, t.addr, false)
	return nil
}

func (t *InprocTransport) SendMailboxMessage(
	ctx context.Context, addr string, peerPubKey []byte, msg ports.Message,
) (bool, error) {
	if err := t.SendDirectMessage(ctx, addr, peerPubKey, msg); err == nil {
		return false, nil
	}
	if len(peerPubKey) == 0 {
		return false, ports.ErrPeerOffline
	}

	payload, err := t.codec.Encode(msg)
	if err != nil {
		return false, err
	}
	entry, err := pstore.NewMailboxEntry(
		MailboxPayloadType, payload, t.nodeKey, peerPubKey,
		t.store.NextSequenceNumber(payload), MailboxTTL,
	)
	if err != nil {
		return false, err
	}
	if !t.store.Add(entry, "") {
		return false, ports.ErrPeerOffline
	}
	return true, nil
}

func (t *InprocTransport) AddMessageHandler(
	correlationId string, handler ports.MessageHandler,
) {
	t.handlersMtx.Lock()
	defer t.handlersMtx.Unlock()
	t.handlers[correlationId] = handler
}

func (t *InprocTransport) RemoveMessageHandler(correlationId string) {
	t.handlersMtx.Lock()
	defer t.handlersMtx.Unlock()
	delete(t.handlers, correlationId)
}

func (t *InprocTransport) AddCatchAllHandler(handler ports.MessageHandler) {
	t.handlersMtx.Lock()
	defer t.handlersMtx.Unlock()
	t.catchAll = append(t.catchAll, handler)
}

func (t *InprocTransport) RemoveMailboxEntry(msg ports.Message) {
	t.handlersMtx.Lock()
	hash, ok := t.mailboxEntries[msg.UID()]
	if ok {
		delete(t.mailboxEntries, msg.UID())
	}
	t.handlersMtx.Unlock()
	if !ok {
		return
	}
	stored, found := t.store.Get(hash)
	if !found {
		return
	}
	removal, err := pstore.RemovalEntry(
		stored, t.nodeKey, t.store.NextSequenceNumber(stored.Payload),
	)
	if err != nil {
		log.WithError(err).Warn("failed to build mailbox removal")
		return
	}
	if !t.store.Remove(removal, "") {
		log.Warnf("storage rejected mailbox removal for %s", msg.UID())
	}
}

func (t *InprocTransport) ProcessMailbox() {
	ownPubKey := t.nodeKey.PubKey().SerializeCompressed()
	for _, entry := range t.store.MailboxEntriesFor(ownPubKey) {
		msg, err := t.codec.Decode(entry.Payload)
		if err != nil {
			log.WithError(err).Warn("dropping undecodable mailbox entry")
			continue
		}
		t.handlersMtx.Lock()
		t.mailboxEntries[msg.UID()] = entry.Hash()
		t.handlersMtx.Unlock()
		t.deliver(msg, "", true)
	}
}

func (t *InprocTransport) Bootstrapped() bool {
	return t.bootstrapped
}

// SetBootstrapped overrides the bootstrap flag, used by tests exercising
// readiness gating.
func (t *InprocTransport) SetBootstrapped(bootstrapped bool) {
	t.bootstrapped = bootstrapped
}

func (t *InprocTransport) Address() string {
	return t.addr
}

// Close stops the dispatch goroutine. Messages still queued are dropped.
func (t *InprocTransport) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *InprocTransport) deliver(msg ports.Message, from string, viaMailbox bool) {
	select {
	case t.inbox <- inboundMessage{msg: msg, from: from, viaMailbox: viaMailbox}:
	case <-t.closed:
	}
}

func (t *InprocTransport) dispatchLoop() {
	for {
		select {
		case <-t.closed:
			return
		case inbound := <-t.inbox:
			t.dispatch(inbound)
		}
	}
}

func (t *InprocTransport) dispatch(inbound inboundMessage) {
	t.handlersMtx.Lock()
	handler, ok := t.handlers[inbound.msg.CorrelationID()]
	catchAll := make([]ports.MessageHandler, len(t.catchAll))
	copy(catchAll, t.catchAll)
	t.handlersMtx.Unlock()

	if ok {
		handler(inbound.msg, inbound.from, inbound.viaMailbox)
		return
	}
	for _, h := range catchAll {
		h(inbound.msg, inbound.from, inbound.viaMailbox)
	}
}
