package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/peerdex-network/peerdexd/internal/core/ports"
	"github.com/peerdex-network/peerdexd/pkg/circuitbreaker"
	"github.com/peerdex-network/peerdexd/pkg/pstore"
)

// Frame kinds exchanged over a peer connection. Protocol messages carry the
// codec-encoded envelope; storage frames replicate the protected store.
const (
	frameKindHello        = "hello"
	frameKindMessage      = "msg"
	frameKindStoreAdd     = "store_add"
	frameKindStoreRemove  = "store_remove"
	frameKindStoreRefresh = "store_refresh"
)

type wsFrame struct {
	Kind string          `json:"kind"`
	From string          `json:"from"`
	Body json.RawMessage `json:"body"`
}

type wsConn struct {
	conn     *websocket.Conn
	writeMtx sync.Mutex
}

// WriteJSON serializes access to the connection; gorilla allows at most one
// concurrent writer.
func (c *wsConn) WriteJSON(frame wsFrame) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	return c.conn.WriteJSON(frame)
}

// WsTransport is the websocket implementation of ports.MessageTransport. It
// accepts inbound peer connections on /ws and dials peers on demand, with a
// per-peer circuit breaker so unreachable nodes are not redialed forever.
//
// The transport doubles as the replication fan-out of the protected store:
// it implements pstore.Broadcaster and feeds inbound storage frames back
// into the store, tagged with the sending peer so rebroadcasts exclude it.
type WsTransport struct {
	listenAddr string
	nodeKey    *btcec.PrivateKey
	store      *pstore.Store
	codec      ports.MessageCodec
	bootstrap  []string

	connsMtx sync.Mutex
	conns    map[string]*wsConn
	breakers map[string]*gobreaker.CircuitBreaker

	handlersMtx    sync.Mutex
	handlers       map[string]ports.MessageHandler
	catchAll       []ports.MessageHandler
	mailboxEntries map[string]chainhash.Hash

	bootstrappedMtx sync.Mutex
	bootstrapped    bool

	server *http.Server
}

var (
	_ ports.MessageTransport = (*WsTransport)(nil)
	_ pstore.Broadcaster     = (*WsTransport)(nil)
)

// NewWsTransport returns an unstarted transport listening on listenAddr
// once started. bootstrap lists the seed peers dialed on startup.
func NewWsTransport(
	listenAddr string, nodeKey *btcec.PrivateKey, store *pstore.Store,
	codec ports.MessageCodec, bootstrap []string,
) *WsTransport {
	return &WsTransport{
		listenAddr:     listenAddr,
		nodeKey:        nodeKey,
		store:          store,
		codec:          codec,
		bootstrap:      bootstrap,
		conns:          map[string]*wsConn{},
		breakers:       map[string]*gobreaker.CircuitBreaker{},
		handlers:       map[string]ports.MessageHandler{},
		mailboxEntries: map[string]chainhash.Hash{},
	}
}

// Start begins accepting peer connections and dials the bootstrap peers.
// The node counts as bootstrapped as soon as one seed peer is reachable, or
// immediately when no seeds are configured.
func (t *WsTransport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleInbound)
	t.server = &http.Server{Addr: t.listenAddr, Handler: mux}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("transport server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		t.server.Close()
	}()

	// Seed peers are dialed in parallel; one reachable peer is enough to
	// consider the node bootstrapped.
	var reachedCount int32
	g, _ := errgroup.WithContext(ctx)
	for _, peer := range t.bootstrap {
		peer := peer
		g.Go(func() error {
			if _, err := t.getConn(peer); err != nil {
				log.WithError(err).Warnf("failed to reach bootstrap peer %s", peer)
				return nil
			}
			atomic.AddInt32(&reachedCount, 1)
			return nil
		})
	}
	g.Wait()

	reached := len(t.bootstrap) == 0 || atomic.LoadInt32(&reachedCount) > 0
	t.bootstrappedMtx.Lock()
	t.bootstrapped = reached
	t.bootstrappedMtx.Unlock()
	if !reached {
		return fmt.Errorf("no bootstrap peer reachable")
	}
	return nil
}

func (t *WsTransport) SendDirectMessage(
	_ context.Context, addr string, _ []byte, msg ports.Message,
) error {
	raw, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	conn, err := t.getConn(addr)
	if err != nil {
		return fmt.Errorf("%w: %s", ports.ErrPeerOffline, err)
	}
	if err := conn.WriteJSON(wsFrame{
		Kind: frameKindMessage, From: t.listenAddr, Body: raw,
	}); err != nil {
		t.dropConn(addr, conn)
		return fmt.Errorf("%w: %s", ports.ErrPeerOffline, err)
	}
	messagesSentCounter.WithLabelValues("direct").Inc()
	return nil
}

func (t *WsTransport) SendMailboxMessage(
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
		return false, fmt.Errorf("storage rejected mailbox entry")
	}
	messagesSentCounter.WithLabelValues("mailbox").Inc()
	return true, nil
}

func (t *WsTransport) AddMessageHandler(correlationId string, handler ports.MessageHandler) {
	t.handlersMtx.Lock()
	defer t.handlersMtx.Unlock()
	t.handlers[correlationId] = handler
}

func (t *WsTransport) RemoveMessageHandler(correlationId string) {
	t.handlersMtx.Lock()
	defer t.handlersMtx.Unlock()
	delete(t.handlers, correlationId)
}

func (t *WsTransport) AddCatchAllHandler(handler ports.MessageHandler) {
	t.handlersMtx.Lock()
	defer t.handlersMtx.Unlock()
	t.catchAll = append(t.catchAll, handler)
}

func (t *WsTransport) RemoveMailboxEntry(msg ports.Message) {
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

func (t *WsTransport) ProcessMailbox() {
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
		t.dispatch(msg, "", true)
	}
}

func (t *WsTransport) Bootstrapped() bool {
	t.bootstrappedMtx.Lock()
	defer t.bootstrappedMtx.Unlock()
	return t.bootstrapped
}

func (t *WsTransport) Address() string {
	return t.listenAddr
}

// BroadcastAdd replicates an accepted add to every connected peer except
// the one it came from.
func (t *WsTransport) BroadcastAdd(entry *pstore.Entry, excludedPeer string) {
	t.broadcast(frameKindStoreAdd, entry, excludedPeer)
}

func (t *WsTransport) BroadcastRemove(entry *pstore.Entry, excludedPeer string) {
	t.broadcast(frameKindStoreRemove, entry, excludedPeer)
}

func (t *WsTransport) BroadcastRefresh(msg *pstore.RefreshMessage, excludedPeer string) {
	t.broadcast(frameKindStoreRefresh, msg, excludedPeer)
}

func (t *WsTransport) broadcast(kind string, body interface{}, excludedPeer string) {
	raw, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).Warnf("failed to marshal %s frame", kind)
		return
	}
	frame := wsFrame{Kind: kind, From: t.listenAddr, Body: raw}

	t.connsMtx.Lock()
	peers := make(map[string]*wsConn, len(t.conns))
	for addr, conn := range t.conns {
		if addr == excludedPeer {
			continue
		}
		peers[addr] = conn
	}
	t.connsMtx.Unlock()

	for addr, conn := range peers {
		if err := conn.WriteJSON(frame); err != nil {
			log.WithError(err).Debugf("failed to broadcast %s to %s", kind, addr)
			t.dropConn(addr, conn)
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (t *WsTransport) handleInbound(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("failed to upgrade peer connection")
		return
	}
	// The peer introduces itself with a hello frame carrying its listen
	// address; until then the connection is not routable.
	var hello wsFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Kind != frameKindHello {
		conn.Close()
		return
	}
	wsc := &wsConn{conn: conn}
	t.trackConn(hello.From, wsc)
	go t.readLoop(hello.From, wsc)
}

func (t *WsTransport) getConn(addr string) (*wsConn, error) {
	t.connsMtx.Lock()
	if conn, ok := t.conns[addr]; ok {
		t.connsMtx.Unlock()
		return conn, nil
	}
	breaker, ok := t.breakers[addr]
	if !ok {
		breaker = circuitbreaker.NewCircuitBreaker(fmt.Sprintf("dial %s", addr))
		t.breakers[addr] = breaker
	}
	t.connsMtx.Unlock()

	dialed, err := breaker.Execute(func() (interface{}, error) {
		conn, _, err := websocket.DefaultDialer.Dial(
			fmt.Sprintf("ws://%s/ws", addr), nil,
		)
		return conn, err
	})
	if err != nil {
		return nil, err
	}
	conn := &wsConn{conn: dialed.(*websocket.Conn)}
	if err := conn.WriteJSON(wsFrame{Kind: frameKindHello, From: t.listenAddr}); err != nil {
		conn.conn.Close()
		return nil, err
	}
	t.trackConn(addr, conn)
	go t.readLoop(addr, conn)
	return conn, nil
}

func (t *WsTransport) trackConn(addr string, conn *wsConn) {
	t.connsMtx.Lock()
	existing, replaced := t.conns[addr]
	t.conns[addr] = conn
	t.connsMtx.Unlock()

	// A reconnecting peer replaces its old connection; the peer count does
	// not change then.
	if replaced {
		existing.conn.Close()
		return
	}
	connectedPeersGauge.Inc()
}

// dropConn forgets the connection only if it is still the tracked one for
// addr; the read loop of a replaced connection must not evict its successor.
func (t *WsTransport) dropConn(addr string, conn *wsConn) {
	t.connsMtx.Lock()
	tracked := t.conns[addr] == conn
	if tracked {
		delete(t.conns, addr)
	}
	t.connsMtx.Unlock()

	conn.conn.Close()
	if tracked {
		connectedPeersGauge.Dec()
	}
}

func (t *WsTransport) readLoop(addr string, conn *wsConn) {
	defer t.dropConn(addr, conn)
	for {
		var frame wsFrame
		if err := conn.conn.ReadJSON(&frame); err != nil {
			log.WithError(err).Debugf("connection to %s closed", addr)
			return
		}
		t.handleFrame(addr, frame)
	}
}

func (t *WsTransport) handleFrame(addr string, frame wsFrame) {
	switch frame.Kind {
	case frameKindMessage:
		msg, err := t.codec.Decode(frame.Body)
		if err != nil {
			log.WithError(err).Debugf("dropping undecodable message from %s", addr)
			return
		}
		messagesReceivedCounter.Inc()
		t.dispatch(msg, addr, false)
	case frameKindStoreAdd:
		var entry pstore.Entry
		if err := json.Unmarshal(frame.Body, &entry); err != nil {
			return
		}
		accepted := t.store.Add(&entry, addr)
		storeOpsCounter.WithLabelValues("add", storeOpOutcome(accepted)).Inc()
	case frameKindStoreRemove:
		var entry pstore.Entry
		if err := json.Unmarshal(frame.Body, &entry); err != nil {
			return
		}
		accepted := t.store.Remove(&entry, addr)
		storeOpsCounter.WithLabelValues("remove", storeOpOutcome(accepted)).Inc()
	case frameKindStoreRefresh:
		var msg pstore.RefreshMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			return
		}
		accepted := t.store.RefreshTTL(&msg, addr)
		storeOpsCounter.WithLabelValues("refresh", storeOpOutcome(accepted)).Inc()
	default:
		log.Debugf("unknown frame kind %q from %s", frame.Kind, addr)
	}
}

func (t *WsTransport) dispatch(msg ports.Message, from string, viaMailbox bool) {
	t.handlersMtx.Lock()
	handler, ok := t.handlers[msg.CorrelationID()]
	catchAll := make([]ports.MessageHandler, len(t.catchAll))
	copy(catchAll, t.catchAll)
	t.handlersMtx.Unlock()

	if ok {
		handler(msg, from, viaMailbox)
		return
	}
	for _, h := range catchAll {
		h(msg, from, viaMailbox)
	}
}
