package pstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
)

// Broadcaster fans accepted mutations out to connected peers, excluding the
// peer the operation was received from.
type Broadcaster interface {
	BroadcastAdd(entry *Entry, excludedPeer string)
	BroadcastRemove(entry *Entry, excludedPeer string)
	BroadcastRefresh(msg *RefreshMessage, excludedPeer string)
}

// Persister stores entries whose payload is flagged persistent. Failures are
// logged, never propagated; persistence is best effort.
type Persister interface {
	PutEntry(hash chainhash.Hash, entry *Entry) error
	DeleteEntry(hash chainhash.Hash) error
}

// ChangeListener gets notified after the map changed. Callbacks run while no
// lock is held.
type ChangeListener interface {
	OnAdded(entry *Entry)
	OnRemoved(entries []*Entry)
}

// SequenceRecord tracks the highest sequence number seen for a payload and
// when it was last updated. Records outlive their entries so that re-adds of
// expired or removed data keep failing the sequence check.
type SequenceRecord struct {
	SequenceNumber uint32
	UpdatedAt      int64
}

// StoreConfig carries the optional collaborators of a Store. Zero values
// disable the respective feature.
type StoreConfig struct {
	Broadcaster Broadcaster
	Persister   Persister
	// InitialSequenceNumbers seeds the replay-protection map, typically from
	// a persisted copy.
	InitialSequenceNumbers map[chainhash.Hash]SequenceRecord
	// OpsPerSecondPerPeer paces inbound operations per sender. Defaults to
	// DefaultOpsPerSecondPerPeer.
	OpsPerSecondPerPeer int
	// MaxSequenceRecords caps the replay-protection map; the oldest records
	// are purged by the eviction sweep once the cap is exceeded.
	MaxSequenceRecords int
	// Clock overrides time.Now, used by expiry tests.
	Clock func() time.Time
}

const (
	// DefaultOpsPerSecondPerPeer is the inbound mutation budget per peer.
	DefaultOpsPerSecondPerPeer = 50
	// DefaultMaxSequenceRecords is the default cap of retained sequence
	// records.
	DefaultMaxSequenceRecords = 10000
)

// Store is the replicated map of protected entries. All mutations are
// serialized behind a single writer lock: the sequence-number check and the
// following insert must be atomic, two concurrent adds must never both pass
// the check with stale numbers.
type Store struct {
	mtx       sync.RWMutex
	entries   map[chainhash.Hash]*Entry
	seqNums   map[chainhash.Hash]SequenceRecord
	listeners []ChangeListener

	limitersMtx sync.Mutex
	limiters    map[string]ratelimit.Limiter

	broadcaster Broadcaster
	persister   Persister
	opsPerSec   int
	maxSeqNums  int
	clock       func() time.Time
}

// NewStore returns an empty store with the given configuration.
func NewStore(config StoreConfig) *Store {
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	opsPerSec := config.OpsPerSecondPerPeer
	if opsPerSec <= 0 {
		opsPerSec = DefaultOpsPerSecondPerPeer
	}
	maxSeqNums := config.MaxSequenceRecords
	if maxSeqNums <= 0 {
		maxSeqNums = DefaultMaxSequenceRecords
	}
	seqNums := make(map[chainhash.Hash]SequenceRecord)
	for hash, record := range config.InitialSequenceNumbers {
		seqNums[hash] = record
	}
	return &Store{
		entries:     make(map[chainhash.Hash]*Entry),
		seqNums:     seqNums,
		limiters:    make(map[string]ratelimit.Limiter),
		broadcaster: config.Broadcaster,
		persister:   config.Persister,
		opsPerSec:   opsPerSec,
		maxSeqNums:  maxSeqNums,
		clock:       clock,
	}
}

// SetBroadcaster wires the replication fan-out after construction, for
// setups where the transport itself needs the store first. Must be called
// before the store receives traffic.
func (s *Store) SetBroadcaster(broadcaster Broadcaster) {
	s.broadcaster = broadcaster
}

// AddChangeListener registers a listener for map changes.
func (s *Store) AddChangeListener(listener ChangeListener) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Add validates and stores an entry received from sender (empty for local
// publishing) and re-broadcasts it on success. Any rejection returns false
// without an error: invalid entries are expected adversarial input from the
// open network, not caller bugs.
func (s *Store) Add(entry *Entry, sender string) bool {
	s.pace(sender)

	hash := entry.Hash()

	s.mtx.Lock()
	if !s.addLocked(entry, hash, sender) {
		s.mtx.Unlock()
		return false
	}
	listeners := s.snapshotListeners()
	s.mtx.Unlock()

	for _, l := range listeners {
		l.OnAdded(entry)
	}
	if s.persister != nil && entry.Persistent {
		if err := s.persister.PutEntry(hash, entry); err != nil {
			log.WithError(err).Warn("failed to persist protected entry")
		}
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastAdd(entry, sender)
	}
	return true
}

func (s *Store) addLocked(entry *Entry, hash chainhash.Hash, sender string) bool {
	stored, hasStored := s.entries[hash]
	if hasStored && !s.sequenceNrIncreasedLocked(entry.SequenceNumber, hash) {
		return false
	}

	if len(entry.Payload) == 0 || len(entry.Payload) > MaxPayloadSize {
		log.Tracef("rejected entry with invalid payload size %d from %s",
			len(entry.Payload), sender)
		return false
	}
	if !entry.validExtraData() {
		log.Tracef("rejected entry with oversized extra data from %s", sender)
		return false
	}
	if entry.IsExpired(s.clock()) {
		log.Tracef("rejected expired entry from %s", sender)
		return false
	}

	// Adds with an equal sequence number are allowed when the payload is not
	// held locally, so that non-persistent data can be reconstructed from
	// peers after a restart.
	if record, ok := s.seqNums[hash]; ok &&
		entry.SequenceNumber < record.SequenceNumber {
		return false
	}

	if !entry.VerifyAddSignature() {
		log.Tracef("rejected entry with invalid signature from %s", sender)
		return false
	}
	if hasStored && !entry.OwnedBySameKey(stored) {
		log.Tracef("rejected entry with changed owner key from %s", sender)
		return false
	}

	s.entries[hash] = entry
	s.seqNums[hash] = SequenceRecord{
		SequenceNumber: entry.SequenceNumber,
		UpdatedAt:      s.clock().UnixMilli(),
	}
	return true
}

// Remove validates a signed removal and deletes the matching entry. The
// sequence record is retained so that a replayed add of the removed payload
// keeps failing. Removals for payloads never seen locally are dropped: the
// payload is opaque, so the key allowed to remove it is only known from a
// stored add.
func (s *Store) Remove(entry *Entry, sender string) bool {
	s.pace(sender)

	hash := entry.Hash()

	s.mtx.Lock()
	if !s.sequenceNrIncreasedLocked(entry.SequenceNumber, hash) {
		s.mtx.Unlock()
		return false
	}

	stored, hasStored := s.entries[hash]
	if !hasStored {
		// Remove seen before the add. The removal's own envelope key cannot
		// be trusted, so the operation is dropped without recording its
		// sequence number; the add, should it still arrive, is validated on
		// its own.
		s.mtx.Unlock()
		log.Tracef("ignored removal for unknown payload from %s", sender)
		return false
	}
	if !entry.VerifyRemoveSignature(stored) {
		log.Tracef("rejected removal with invalid signature from %s", sender)
		s.mtx.Unlock()
		return false
	}
	if !entry.OwnedBySameKey(stored) {
		s.mtx.Unlock()
		return false
	}

	s.seqNums[hash] = SequenceRecord{
		SequenceNumber: entry.SequenceNumber,
		UpdatedAt:      s.clock().UnixMilli(),
	}
	delete(s.entries, hash)
	listeners := s.snapshotListeners()
	s.mtx.Unlock()

	for _, l := range listeners {
		l.OnRemoved([]*Entry{stored})
	}
	if s.persister != nil && stored.Persistent {
		if err := s.persister.DeleteEntry(hash); err != nil {
			log.WithError(err).Warn("failed to delete persisted entry")
		}
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastRemove(entry, sender)
	}
	return true
}

// RefreshTTL resets the creation time of a stored entry, verifying the
// bumped sequence number and its signature against the stored payload and
// owner key. Refreshes for unknown payloads are ignored; that is expected
// when the original publishing was missed.
func (s *Store) RefreshTTL(msg *RefreshMessage, sender string) bool {
	s.pace(sender)

	s.mtx.Lock()
	stored, ok := s.entries[msg.PayloadHash]
	if !ok {
		s.mtx.Unlock()
		log.Debugf("no entry for refresh message from %s", sender)
		return false
	}
	if !s.sequenceNrIncreasedLocked(msg.SequenceNumber, msg.PayloadHash) {
		s.mtx.Unlock()
		return false
	}
	if !verifyPayload(stored.OwnerPubKey, stored.Payload, msg.SequenceNumber, msg.Signature) {
		s.mtx.Unlock()
		log.Tracef("rejected refresh with invalid signature from %s", sender)
		return false
	}

	refreshed := *stored
	refreshed.SequenceNumber = msg.SequenceNumber
	refreshed.Signature = msg.Signature
	refreshed.CreatedAt = s.clock().UnixMilli()
	s.entries[msg.PayloadHash] = &refreshed
	s.seqNums[msg.PayloadHash] = SequenceRecord{
		SequenceNumber: msg.SequenceNumber,
		UpdatedAt:      s.clock().UnixMilli(),
	}
	s.mtx.Unlock()

	if s.broadcaster != nil {
		s.broadcaster.BroadcastRefresh(msg, sender)
	}
	return true
}

// RemoveExpired purges entries whose TTL has elapsed. Their sequence records
// are kept: the moment an object expires is not synchronous in the network
// and late adds of the dead payload must keep failing the sequence check.
func (s *Store) RemoveExpired() {
	now := s.clock()

	s.mtx.Lock()
	var expired []*Entry
	for hash, entry := range s.entries {
		if entry.IsExpired(now) {
			expired = append(expired, entry)
			delete(s.entries, hash)
		}
	}
	s.purgeSequenceRecordsLocked()
	listeners := s.snapshotListeners()
	s.mtx.Unlock()

	if len(expired) == 0 {
		return
	}
	log.Debugf("evicted %d expired protected entries", len(expired))
	for _, l := range listeners {
		l.OnRemoved(expired)
	}
	if s.persister != nil {
		for _, entry := range expired {
			if !entry.Persistent {
				continue
			}
			if err := s.persister.DeleteEntry(entry.Hash()); err != nil {
				log.WithError(err).Warn("failed to delete persisted entry")
			}
		}
	}
}

// StartSweeper runs the eviction sweep periodically until the context is
// canceled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RemoveExpired()
			}
		}
	}()
}

// Get returns the stored entry for a payload hash.
func (s *Store) Get(hash chainhash.Hash) (*Entry, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	entry, ok := s.entries[hash]
	return entry, ok
}

// Snapshot returns a copy of all stored entries.
func (s *Store) Snapshot() []*Entry {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	return entries
}

// MailboxEntriesFor returns the mailbox entries addressed to the given
// receiver key, oldest first.
func (s *Store) MailboxEntriesFor(receiverPubKey []byte) []*Entry {
	s.mtx.RLock()
	var entries []*Entry
	for _, entry := range s.entries {
		if entry.IsMailbox() && bytes.Equal(entry.ReceiverPubKey, receiverPubKey) {
			entries = append(entries, entry)
		}
	}
	s.mtx.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt < entries[j].CreatedAt
	})
	return entries
}

// NextSequenceNumber returns the sequence number to use for the next
// operation on the given payload.
func (s *Store) NextSequenceNumber(payload []byte) uint32 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if record, ok := s.seqNums[PayloadHash(payload)]; ok {
		return record.SequenceNumber + 1
	}
	return 1
}

// SequenceNumbers returns a copy of the replay-protection map, used for
// persisting it across restarts.
func (s *Store) SequenceNumbers() map[chainhash.Hash]SequenceRecord {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	records := make(map[chainhash.Hash]SequenceRecord, len(s.seqNums))
	for hash, record := range s.seqNums {
		records[hash] = record
	}
	return records
}

// Size returns the number of live entries.
func (s *Store) Size() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.entries)
}

func (s *Store) sequenceNrIncreasedLocked(sequenceNumber uint32, hash chainhash.Hash) bool {
	record, ok := s.seqNums[hash]
	if !ok {
		return true
	}
	if sequenceNumber > record.SequenceNumber {
		return true
	}
	if sequenceNumber == record.SequenceNumber {
		log.Tracef("duplicate sequence number %d for payload %s", sequenceNumber, hash)
	} else {
		log.Tracef("stale sequence number %d < %d for payload %s",
			sequenceNumber, record.SequenceNumber, hash)
	}
	return false
}

// purgeSequenceRecordsLocked drops the oldest sequence records once the cap
// is exceeded. Records of live entries are always kept.
func (s *Store) purgeSequenceRecordsLocked() {
	if len(s.seqNums) <= s.maxSeqNums {
		return
	}
	type agedRecord struct {
		hash   chainhash.Hash
		record SequenceRecord
	}
	var purgeable []agedRecord
	for hash, record := range s.seqNums {
		if _, live := s.entries[hash]; !live {
			purgeable = append(purgeable, agedRecord{hash, record})
		}
	}
	sort.Slice(purgeable, func(i, j int) bool {
		return purgeable[i].record.UpdatedAt < purgeable[j].record.UpdatedAt
	})
	excess := len(s.seqNums) - s.maxSeqNums
	for i := 0; i < excess && i < len(purgeable); i++ {
		delete(s.seqNums, purgeable[i].hash)
	}
}

func (s *Store) snapshotListeners() []ChangeListener {
	listeners := make([]ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	return listeners
}

// pace applies the per-peer rate limit to inbound operations. Local
// operations (empty sender) are not limited.
func (s *Store) pace(sender string) {
	if sender == "" {
		return
	}
	s.limitersMtx.Lock()
	limiter, ok := s.limiters[sender]
	if !ok {
		limiter = ratelimit.New(s.opsPerSec)
		s.limiters[sender] = limiter
	}
	s.limitersMtx.Unlock()
	limiter.Take()
}
