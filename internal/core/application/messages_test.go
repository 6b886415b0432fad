package application

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec()

	messages := []ports.Message{
		&OfferAvailabilityRequest{
			tradeMessage:     newTradeMessage("offer-1"),
			TakerAddress:     "taker.onion:9999",
			TakerPubKey:      []byte{0x02, 0x03},
			TakersTradePrice: decimal.NewFromInt(45000),
			Amount:           btcutil.Amount(500000),
		},
		&OfferAvailabilityResponse{
			tradeMessage: newTradeMessage("offer-1"),
			Result:       domain.AvailabilityResultAvailable,
		},
		&DepositTxPublishedMessage{
			tradeMessage: newTradeMessage("trade-1"),
			DepositTxId:  "txid",
			DepositTx:    []byte{0xde, 0xad, 0xbe, 0xef},
		},
		&ChatMessagePayload{
			tradeMessage:  newTradeMessage("trade-1"),
			SenderAddress: "peer.onion:9999",
			SessionType:   domain.ChatSessionTypeMediation,
			Message:       "hello",
			Date:          1700000000000,
		},
	}

	for _, msg := range messages {
		raw, err := codec.Encode(msg)
		require.NoError(t, err)

		decoded, err := codec.Decode(raw)
		require.NoError(t, err)
		require.IsType(t, msg, decoded)
		require.Equal(t, msg.CorrelationID(), decoded.CorrelationID())
		require.Equal(t, msg.UID(), decoded.UID())
		require.Equal(t, msg, decoded)
	}
}

func TestCodecRejectsUnknownType(t *testing.T) {
	codec := NewCodec()

	_, err := codec.Decode([]byte(`{"type":"bogus","body":{}}`))
	require.Error(t, err)

	_, err = codec.Decode([]byte(`not json`))
	require.Error(t, err)
}

type unknownMessage struct{ tradeMessage }

func TestCodecRejectsUnregisteredMessage(t *testing.T) {
	codec := NewCodec()
	_, err := codec.Encode(&unknownMessage{newTradeMessage("trade-1")})
	require.Error(t, err)
}
