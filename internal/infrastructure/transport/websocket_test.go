package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/peerdex-network/peerdexd/pkg/pstore"
)

func trackedConn(tr *WsTransport, addr string) *wsConn {
	tr.connsMtx.Lock()
	defer tr.connsMtx.Unlock()
	return tr.conns[addr]
}

func TestReconnectKeepsPeerGaugeAccurate(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tr := NewWsTransport(
		"127.0.0.1:0", key, pstore.NewStore(pstore.StoreConfig{}), nil, nil,
	)

	srv := httptest.NewServer(http.HandlerFunc(tr.handleInbound))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	peerAddr := "peer.onion:9999"

	before := testutil.ToFloat64(connectedPeersGauge)

	dial := func() *websocket.Conn {
		t.Helper()
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(wsFrame{
			Kind: frameKindHello, From: peerAddr,
		}))
		return conn
	}

	first := dial()
	defer first.Close()
	require.Eventually(t, func() bool {
		return trackedConn(tr, peerAddr) != nil &&
			testutil.ToFloat64(connectedPeersGauge) == before+1
	}, 3*time.Second, 10*time.Millisecond)
	firstTracked := trackedConn(tr, peerAddr)

	// The same peer reconnecting replaces the tracked connection; the gauge
	// must not grow, and the dying connection's read loop must not evict the
	// replacement.
	second := dial()
	defer second.Close()
	require.Eventually(t, func() bool {
		conn := trackedConn(tr, peerAddr)
		return conn != nil && conn != firstTracked
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(connectedPeersGauge))

	// Both client ends gone, the peer is counted out again.
	second.Close()
	require.Eventually(t, func() bool {
		return trackedConn(tr, peerAddr) == nil &&
			testutil.ToFloat64(connectedPeersGauge) == before
	}, 3*time.Second, 10*time.Millisecond)
}
