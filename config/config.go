package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// P2PListenAddrKey is the host:port the peer-to-peer transport listens on
	P2PListenAddrKey = "P2P_LISTEN_ADDR"
	// BootstrapPeersKey is the comma separated list of seed peers dialed at startup
	BootstrapPeersKey = "BOOTSTRAP_PEERS"
	// MetricsListenAddrKey is the host:port serving prometheus metrics
	MetricsListenAddrKey = "METRICS_LISTEN_ADDR"
	// DatadirKey is the local data directory to store the internal state of the daemon
	DatadirKey = "DATA_DIR_PATH"
	// LogLevelKey are the different logging levels. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// NodeKeyKey is the hex encoded secp256k1 private key identifying this node; generated if empty
	NodeKeyKey = "NODE_KEY"
	// ArbitratorAddrKey is the address of the arbitrator offered to takers
	ArbitratorAddrKey = "ARBITRATOR_ADDR"
	// MediatorAddrKey is the address of the mediator offered to takers
	MediatorAddrKey = "MEDIATOR_ADDR"
	// PhaseTimeoutKey is the duration a trade may sit in one phase waiting for the peer
	PhaseTimeoutKey = "PHASE_TIMEOUT"
	// StoreSweepIntervalKey is the interval between eviction sweeps of the protected storage
	StoreSweepIntervalKey = "STORE_SWEEP_INTERVAL"
	// StoreOpsPerSecondKey is the per-peer budget of inbound storage operations
	StoreOpsPerSecondKey = "STORE_OPS_PER_SECOND"
	// StoreMaxSequenceRecordsKey caps the replay-protection map of the protected storage
	StoreMaxSequenceRecordsKey = "STORE_MAX_SEQUENCE_RECORDS"
	// WalletBalanceKey is the initial balance in satoshis of the built-in wallet
	WalletBalanceKey = "WALLET_BALANCE"
	// NoPersistenceKey runs the daemon on in-memory storage only
	NoPersistenceKey = "NO_PERSISTENCE"

	DbLocation = "db"
)

var vip *viper.Viper
var defaultDatadir = btcutil.AppDataDir("peerdexd", false)

func init() {
	vip = viper.New()
	vip.SetEnvPrefix("PEERDEX")
	vip.AutomaticEnv()

	vip.SetDefault(P2PListenAddrKey, "0.0.0.0:9735")
	vip.SetDefault(MetricsListenAddrKey, "127.0.0.1:9090")
	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(LogLevelKey, 4)
	vip.SetDefault(PhaseTimeoutKey, 2*time.Hour)
	vip.SetDefault(StoreSweepIntervalKey, time.Minute)
	vip.SetDefault(StoreOpsPerSecondKey, 50)
	vip.SetDefault(StoreMaxSequenceRecordsKey, 10000)
	vip.SetDefault(WalletBalanceKey, 100000000)
	vip.SetDefault(NoPersistenceKey, false)

	if err := initDatadir(); err != nil {
		log.WithError(err).Panic("error while creating datadir")
	}
}

// GetString ...
func GetString(key string) string {
	return vip.GetString(key)
}

// GetInt ...
func GetInt(key string) int {
	return vip.GetInt(key)
}

// GetDuration ...
func GetDuration(key string) time.Duration {
	return vip.GetDuration(key)
}

// GetBool ...
func GetBool(key string) bool {
	return vip.GetBool(key)
}

// GetStringSlice ...
func GetStringSlice(key string) []string {
	return vip.GetStringSlice(key)
}

// GetDatadir ...
func GetDatadir() string {
	return GetString(DatadirKey)
}

// GetNodeKey returns the node identity key, parsing the configured hex key
// or generating an ephemeral one when unset.
func GetNodeKey() (*btcec.PrivateKey, error) {
	keyHex := GetString(NodeKeyKey)
	if keyHex == "" {
		log.Warn("no node key configured, generating an ephemeral one")
		return btcec.NewPrivateKey()
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid node key: %w", err)
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}

// Set a value for the given key
func Set(key string, value interface{}) {
	vip.Set(key, value)
}

func initDatadir() error {
	datadir := GetDatadir()
	return os.MkdirAll(filepath.Join(datadir, DbLocation), os.ModeDir|0755)
}
