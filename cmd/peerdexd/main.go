package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/peerdex-network/peerdexd/config"
	"github.com/peerdex-network/peerdexd/internal/core/application"
	"github.com/peerdex-network/peerdexd/internal/core/domain"
	dbbadger "github.com/peerdex-network/peerdexd/internal/infrastructure/storage/db/badger"
	"github.com/peerdex-network/peerdexd/internal/infrastructure/storage/db/inmemory"
	"github.com/peerdex-network/peerdexd/internal/infrastructure/transport"
	"github.com/peerdex-network/peerdexd/internal/infrastructure/wallet"
	"github.com/peerdex-network/peerdexd/pkg/pstore"
)

func main() {
	log.SetLevel(log.Level(config.GetInt(config.LogLevelKey)))

	nodeKey, err := config.GetNodeKey()
	if err != nil {
		log.WithError(err).Panic("error loading node key")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage layer: badger on disk unless persistence is disabled.
	var (
		offerRepo   domain.OfferRepository
		tradeRepo   domain.TradeRepository
		disputeRepo domain.DisputeRepository
		persister   *dbbadger.StoragePersister
	)
	if config.GetBool(config.NoPersistenceKey) {
		db := inmemory.NewDbManager()
		offerRepo = db.OfferRepository()
		tradeRepo = db.TradeRepository()
		disputeRepo = db.DisputeRepository()
	} else {
		dbDir := filepath.Join(config.GetDatadir(), config.DbLocation)
		db, err := dbbadger.NewDbManager(dbDir, nil)
		if err != nil {
			log.WithError(err).Panic("error opening database")
		}
		defer db.Close()
		offerRepo = dbbadger.NewOfferRepositoryImpl(db)
		tradeRepo = dbbadger.NewTradeRepositoryImpl(db)
		disputeRepo = dbbadger.NewDisputeRepositoryImpl(db)
		persister = dbbadger.NewStoragePersister(db)
	}

	// Protected storage, reseeded from the persisted copy.
	storeConfig := pstore.StoreConfig{
		OpsPerSecondPerPeer: config.GetInt(config.StoreOpsPerSecondKey),
		MaxSequenceRecords:  config.GetInt(config.StoreMaxSequenceRecordsKey),
	}
	if persister != nil {
		storeConfig.Persister = persister
		seqNums, err := persister.LoadSequenceNumbers()
		if err != nil {
			log.WithError(err).Panic("error loading sequence numbers")
		}
		storeConfig.InitialSequenceNumbers = seqNums
	}
	store := pstore.NewStore(storeConfig)
	if persister != nil {
		entries, err := persister.LoadEntries()
		if err != nil {
			log.WithError(err).Panic("error loading persisted entries")
		}
		for _, entry := range entries {
			store.Add(entry, "")
		}
	}
	store.StartSweeper(ctx, config.GetDuration(config.StoreSweepIntervalKey))

	// Transport, doubling as the replication fan-out of the store.
	codec := application.NewCodec()
	p2p := transport.NewWsTransport(
		config.GetString(config.P2PListenAddrKey), nodeKey, store, codec,
		config.GetStringSlice(config.BootstrapPeersKey),
	)
	store.SetBroadcaster(p2p)

	walletSvc := wallet.New(btcutil.Amount(config.GetInt(config.WalletBalanceKey)))

	offerSvc := application.NewOpenOfferService(
		offerRepo, store, p2p, nodeKey,
		config.GetString(config.ArbitratorAddrKey),
		config.GetString(config.MediatorAddrKey),
	)
	tradeManager := application.NewTradeManager(
		tradeRepo, walletSvc, p2p, nodeKey, offerSvc,
		config.GetDuration(config.PhaseTimeoutKey),
	)
	disputeSvc := application.NewDisputeService(
		disputeRepo, tradeRepo, p2p, nodeKey,
		config.GetString(config.ArbitratorAddrKey), nil,
	)

	log.Debug("starting daemon")
	if err := p2p.Start(ctx); err != nil {
		log.WithError(err).Warn("node started without network bootstrap")
	}
	offerSvc.Start(ctx)
	if err := tradeManager.Start(ctx); err != nil {
		log.WithError(err).Panic("error resuming trades")
	}
	disputeSvc.SetWalletSynced(walletSvc.IsSynced())
	disputeSvc.SetServicesInitialized()

	metricsAddr := config.GetString(config.MetricsListenAddrKey)
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	log.Debugf("p2p interface is listening on %s", config.GetString(config.P2PListenAddrKey))
	log.Debugf("metrics are served on %s", metricsAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	if persister != nil {
		if err := persister.SaveSequenceNumbers(store.SequenceNumbers()); err != nil {
			log.WithError(err).Error("error persisting sequence numbers")
		}
	}
	log.Debug("exiting")
}
