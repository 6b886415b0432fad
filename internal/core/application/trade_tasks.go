package application

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/peerdex-network/peerdexd/internal/core/domain"
	"github.com/peerdex-network/peerdexd/internal/core/ports"
	"github.com/peerdex-network/peerdexd/pkg/taskrunner"
)

type tradeTask = taskrunner.Task[*ProcessModel]

func newTask(name string, fn func(m *ProcessModel) error) tradeTask {
	return taskrunner.TaskFunc[*ProcessModel]{TaskName: name, Func: fn}
}

// contractDigest is the digest both parties sign to commit to the trade
// terms: offer payload bytes, trade amount and both trader keys. Computed
// identically on either side.
func (m *ProcessModel) contractDigest() ([]byte, error) {
	trade := m.Trade
	takerPubKey := trade.PeerPubKey
	if trade.Role == domain.TradeRoleTaker {
		takerPubKey = m.NodeKey.PubKey().SerializeCompressed()
	}

	payload, err := trade.Offer.Serialize()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(payload)
	if err := binary.Write(&buf, binary.BigEndian, uint64(trade.Amount)); err != nil {
		return nil, err
	}
	buf.Write(trade.Offer.MakerPubKey)
	buf.Write(takerPubKey)
	digest := chainhash.HashH(buf.Bytes())
	return digest[:], nil
}

func signDigest(key *btcec.PrivateKey, digest []byte) []byte {
	return ecdsa.Sign(key, digest).Serialize()
}

func verifyDigest(pubKeyBytes, digest, sigBytes []byte) bool {
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pubKey)
}

func walletFault(err error) error {
	return taskrunner.NewFault(taskrunner.FaultWallet, err)
}

func transportFault(err error) error {
	return taskrunner.NewFault(taskrunner.FaultTransport, err)
}

func verificationFault(err error) error {
	return taskrunner.NewFault(taskrunner.FaultVerification, err)
}

// ---- taker: opening the deposit flow ----

var taskSendDepositTxInputsRequest = newTask(
	"SendDepositTxInputsRequest", func(m *ProcessModel) error {
		trade := m.Trade
		request := &DepositTxInputsRequest{
			tradeMessage: newTradeMessage(trade.Id),
			TakerAddress: m.Transport.Address(),
			TakerPubKey:  m.NodeKey.PubKey().SerializeCompressed(),
			Amount:       trade.Amount,
		}
		if err := m.Transport.SendDirectMessage(
			m.Ctx, trade.PeerAddress, trade.PeerPubKey, request,
		); err != nil {
			return transportFault(err)
		}
		return nil
	},
)

// ---- maker: answering the deposit flow ----

var taskProcessDepositTxInputsRequest = newTask(
	"ProcessDepositTxInputsRequest", func(m *ProcessModel) error {
		request, ok := m.CurrentMessage.(*DepositTxInputsRequest)
		if !ok {
			return fmt.Errorf("expected deposit tx inputs request, got %T", m.CurrentMessage)
		}
		if len(request.TakerPubKey) == 0 || request.TakerAddress == "" {
			return verificationFault(fmt.Errorf("taker identity missing from request"))
		}
		offer := m.Trade.Offer
		if request.Amount < offer.MinAmount || request.Amount > offer.Amount {
			return verificationFault(fmt.Errorf(
				"requested amount %d outside offer bounds [%d, %d]",
				request.Amount, offer.MinAmount, offer.Amount,
			))
		}
		if _, err := m.Trade.ReserveOffer(request.TakerAddress, request.TakerPubKey); err != nil {
			return err
		}
		m.Trade.Amount = request.Amount
		return m.SaveTrade(m.Ctx)
	},
)

var taskMakerPreparesDepositTx = newTask(
	"MakerPreparesDepositTx", func(m *ProcessModel) error {
		tx, err := m.Wallet.PrepareLockupTx(m.Ctx, m.Trade.Amount)
		if err != nil {
			return walletFault(err)
		}
		m.DepositTx = tx
		return nil
	},
)

var taskMakerSignsContract = newTask(
	"MakerSignsContract", func(m *ProcessModel) error {
		digest, err := m.contractDigest()
		if err != nil {
			return err
		}
		m.ContractHash = digest
		m.MyContractSig = signDigest(m.NodeKey, digest)
		m.Trade.ContractHash = digest
		return m.SaveTrade(m.Ctx)
	},
)

var taskSendDepositTxInputsResponse = newTask(
	"SendDepositTxInputsResponse", func(m *ProcessModel) error {
		trade := m.Trade
		response := &DepositTxInputsResponse{
			tradeMessage:      newTradeMessage(trade.Id),
			PreparedDepositTx: m.DepositTx.Serialized,
			MakerContractSig:  m.MyContractSig,
			MakerPubKey:       m.NodeKey.PubKey().SerializeCompressed(),
		}
		if err := m.Transport.SendDirectMessage(
			m.Ctx, trade.PeerAddress, trade.PeerPubKey, response,
		); err != nil {
			return transportFault(err)
		}
		return nil
	},
)

// ---- taker: signing the contract and the deposit ----

var taskProcessDepositTxInputsResponse = newTask(
	"ProcessDepositTxInputsResponse", func(m *ProcessModel) error {
		response, ok := m.CurrentMessage.(*DepositTxInputsResponse)
		if !ok {
			return fmt.Errorf("expected deposit tx inputs response, got %T", m.CurrentMessage)
		}
		if !bytes.Equal(response.MakerPubKey, m.Trade.Offer.MakerPubKey) {
			return verificationFault(fmt.Errorf("maker key does not match the offer"))
		}
		digest, err := m.contractDigest()
		if err != nil {
			return err
		}
		if !verifyDigest(response.MakerPubKey, digest, response.MakerContractSig) {
			return verificationFault(fmt.Errorf("invalid maker contract signature"))
		}
		m.ContractHash = digest
		m.PeerContractSig = response.MakerContractSig
		m.DepositTx = &ports.Transaction{Serialized: response.PreparedDepositTx}
		m.Trade.ContractHash = digest
		return m.SaveTrade(m.Ctx)
	},
)

var taskTakerSignsContract = newTask(
	"TakerSignsContract", func(m *ProcessModel) error {
		m.MyContractSig = signDigest(m.NodeKey, m.ContractHash)
		return nil
	},
)

var taskTakerCompletesAndSignsDepositTx = newTask(
	"TakerCompletesAndSignsDepositTx", func(m *ProcessModel) error {
		tx, err := m.Wallet.CompleteTx(m.Ctx, m.DepositTx, m.ContractHash)
		if err != nil {
			return walletFault(err)
		}
		tx, err = m.Wallet.SignTx(m.Ctx, tx)
		if err != nil {
			return walletFault(err)
		}
		m.DepositTx = tx
		return nil
	},
)

var taskSendPublishDepositTxRequest = newTask(
	"SendPublishDepositTxRequest", func(m *ProcessModel) error {
		trade := m.Trade
		request := &PublishDepositTxRequest{
			tradeMessage:     newTradeMessage(trade.Id),
			SignedDepositTx:  m.DepositTx.Serialized,
			TakerContractSig: m.MyContractSig,
			ContractHash:     m.ContractHash,
		}
		if err := m.Transport.SendDirectMessage(
			m.Ctx, trade.PeerAddress, trade.PeerPubKey, request,
		); err != nil {
			return transportFault(err)
		}
		return nil
	},
)

// ---- maker: publishing the deposit ----

var taskProcessPublishDepositTxRequest = newTask(
	"ProcessPublishDepositTxRequest", func(m *ProcessModel) error {
		request, ok := m.CurrentMessage.(*PublishDepositTxRequest)
		if !ok {
			return fmt.Errorf("expected publish deposit tx request, got %T", m.CurrentMessage)
		}
		if !bytes.Equal(request.ContractHash, m.ContractHash) {
			return verificationFault(fmt.Errorf("contract hash mismatch"))
		}
		if !verifyDigest(m.Trade.PeerPubKey, m.ContractHash, request.TakerContractSig) {
			return verificationFault(fmt.Errorf("invalid taker contract signature"))
		}
		m.PeerContractSig = request.TakerContractSig
		m.DepositTx = &ports.Transaction{Serialized: request.SignedDepositTx}
		return nil
	},
)

var taskMakerSignsAndPublishesDepositTx = newTask(
	"MakerSignsAndPublishesDepositTx", func(m *ProcessModel) error {
		tx, err := m.Wallet.SignTx(m.Ctx, m.DepositTx)
		if err != nil {
			return walletFault(err)
		}
		txId, err := m.Wallet.BroadcastTx(m.Ctx, tx)
		if err != nil {
			return walletFault(err)
		}
		tx.TxId = txId
		m.DepositTx = tx
		if _, err := m.Trade.MarkDepositPublished(txId); err != nil {
			return err
		}
		return m.SaveTrade(m.Ctx)
	},
)

var taskSendDepositTxPublishedMessage = newTask(
	"SendDepositTxPublishedMessage", func(m *ProcessModel) error {
		trade := m.Trade
		msg := &DepositTxPublishedMessage{
			tradeMessage: newTradeMessage(trade.Id),
			DepositTxId:  trade.DepositTxId,
			DepositTx:    m.DepositTx.Serialized,
		}
		if _, err := m.Transport.SendMailboxMessage(
			m.Ctx, trade.PeerAddress, trade.PeerPubKey, msg,
		); err != nil {
			return transportFault(err)
		}
		return nil
	},
)

// ---- taker: committing the published deposit ----

var taskProcessDepositTxPublishedMessage = newTask(
	"ProcessDepositTxPublishedMessage", func(m *ProcessModel) error {
		msg, ok := m.CurrentMessage.(*DepositTxPublishedMessage)
		if !ok {
			return fmt.Errorf("expected deposit tx published message, got %T", m.CurrentMessage)
		}
		tx := &ports.Transaction{TxId: msg.DepositTxId, Serialized: msg.DepositTx}
		if err := m.Wallet.CommitTx(m.Ctx, tx); err != nil {
			return walletFault(err)
		}
		m.DepositTx = tx
		if _, err := m.Trade.MarkDepositPublished(msg.DepositTxId); err != nil {
			return err
		}
		return m.SaveTrade(m.Ctx)
	},
)

// ---- buyer: starting the fiat leg ----

var taskBuyerCreatesPayoutTx = newTask(
	"BuyerCreatesPayoutTx", func(m *ProcessModel) error {
		tx, err := m.Wallet.CompleteTx(m.Ctx, &ports.Transaction{}, m.Trade.ContractHash)
		if err != nil {
			return walletFault(err)
		}
		tx, err = m.Wallet.SignTx(m.Ctx, tx)
		if err != nil {
			return walletFault(err)
		}
		m.PayoutTx = tx
		return nil
	},
)

var taskBuyerMarksFiatPaymentStarted = newTask(
	"BuyerMarksFiatPaymentStarted", func(m *ProcessModel) error {
		if _, err := m.Trade.MarkFiatPaymentStarted(); err != nil {
			return err
		}
		return m.SaveTrade(m.Ctx)
	},
)

var taskSendFiatTransferStartedMessage = newTask(
	"SendFiatTransferStartedMessage", func(m *ProcessModel) error {
		trade := m.Trade
		msg := &FiatTransferStartedMessage{
			tradeMessage:       newTradeMessage(trade.Id),
			BuyerPayoutTxSig:   m.PayoutTx.Serialized,
			BuyerPayoutAddress: m.Transport.Address(),
		}
		if _, err := m.Transport.SendMailboxMessage(
			m.Ctx, trade.PeerAddress, trade.PeerPubKey, msg,
		); err != nil {
			return transportFault(err)
		}
		return nil
	},
)

// ---- seller: observing the fiat leg, paying out ----

var taskProcessFiatTransferStartedMessage = newTask(
	"ProcessFiatTransferStartedMessage", func(m *ProcessModel) error {
		msg, ok := m.CurrentMessage.(*FiatTransferStartedMessage)
		if !ok {
			return fmt.Errorf("expected fiat transfer started message, got %T", m.CurrentMessage)
		}
		if len(msg.BuyerPayoutTxSig) == 0 {
			return verificationFault(fmt.Errorf("buyer payout signature missing"))
		}
		m.BuyerPayoutSig = msg.BuyerPayoutTxSig
		if _, err := m.Trade.MarkFiatPaymentStarted(); err != nil {
			return err
		}
		return m.SaveTrade(m.Ctx)
	},
)

var taskSellerMarksFiatPaymentReceived = newTask(
	"SellerMarksFiatPaymentReceived", func(m *ProcessModel) error {
		if _, err := m.Trade.MarkFiatPaymentReceived(); err != nil {
			return err
		}
		return m.SaveTrade(m.Ctx)
	},
)

var taskSellerSignsAndPublishesPayoutTx = newTask(
	"SellerSignsAndPublishesPayoutTx", func(m *ProcessModel) error {
		payout := &ports.Transaction{Serialized: m.BuyerPayoutSig}
		tx, err := m.Wallet.CompleteTx(m.Ctx, payout, m.Trade.ContractHash)
		if err != nil {
			return walletFault(err)
		}
		tx, err = m.Wallet.SignTx(m.Ctx, tx)
		if err != nil {
			return walletFault(err)
		}
		txId, err := m.Wallet.BroadcastTx(m.Ctx, tx)
		if err != nil {
			return walletFault(err)
		}
		tx.TxId = txId
		m.PayoutTx = tx
		if _, err := m.Trade.MarkPayoutPublished(txId); err != nil {
			return err
		}
		return m.SaveTrade(m.Ctx)
	},
)

var taskSendPayoutTxPublishedMessage = newTask(
	"SendPayoutTxPublishedMessage", func(m *ProcessModel) error {
		trade := m.Trade
		msg := &PayoutTxPublishedMessage{
			tradeMessage: newTradeMessage(trade.Id),
			PayoutTxId:   trade.PayoutTxId,
			PayoutTx:     m.PayoutTx.Serialized,
		}
		if _, err := m.Transport.SendMailboxMessage(
			m.Ctx, trade.PeerAddress, trade.PeerPubKey, msg,
		); err != nil {
			return transportFault(err)
		}
		return nil
	},
)

var taskSellerCompletesTrade = newTask(
	"SellerCompletesTrade", func(m *ProcessModel) error {
		if _, err := m.Trade.Complete(); err != nil {
			return err
		}
		return m.SaveTrade(m.Ctx)
	},
)

// ---- buyer: closing the trade ----

var taskProcessPayoutTxPublishedMessage = newTask(
	"ProcessPayoutTxPublishedMessage", func(m *ProcessModel) error {
		msg, ok := m.CurrentMessage.(*PayoutTxPublishedMessage)
		if !ok {
			return fmt.Errorf("expected payout tx published message, got %T", m.CurrentMessage)
		}
		tx := &ports.Transaction{TxId: msg.PayoutTxId, Serialized: msg.PayoutTx}
		if err := m.Wallet.CommitTx(m.Ctx, tx); err != nil {
			return walletFault(err)
		}
		m.PayoutTx = tx
		if _, err := m.Trade.MarkPayoutPublished(msg.PayoutTxId); err != nil {
			return err
		}
		if _, err := m.Trade.Complete(); err != nil {
			return err
		}
		return m.SaveTrade(m.Ctx)
	},
)
