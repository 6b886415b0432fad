package pstore_test

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/peerdex-network/peerdexd/pkg/pstore"
)

type recordingBroadcaster struct {
	adds      []string
	removes   []string
	refreshes []string
}

func (b *recordingBroadcaster) BroadcastAdd(_ *pstore.Entry, excluded string) {
	b.adds = append(b.adds, excluded)
}

func (b *recordingBroadcaster) BroadcastRemove(_ *pstore.Entry, excluded string) {
	b.removes = append(b.removes, excluded)
}

func (b *recordingBroadcaster) BroadcastRefresh(_ *pstore.RefreshMessage, excluded string) {
	b.refreshes = append(b.refreshes, excluded)
}

func newTestKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key
}

func newTestEntry(t *testing.T, key *btcec.PrivateKey, payload []byte, seqNum uint32) *pstore.Entry {
	t.Helper()
	entry, err := pstore.NewEntry("offer", payload, key, seqNum, time.Hour, false)
	require.NoError(t, err)
	return entry
}

func TestAddRejectsReplayedSequenceNumbers(t *testing.T) {
	store := pstore.NewStore(pstore.StoreConfig{})
	key := newTestKey(t)
	payload := []byte(`{"offerId":"abc"}`)

	require.True(t, store.Add(newTestEntry(t, key, payload, 1), "peerA"))
	require.Equal(t, 1, store.Size())

	// Same payload, same sequence number: replay, map unchanged.
	require.False(t, store.Add(newTestEntry(t, key, payload, 1), "peerB"))
	require.Equal(t, 1, store.Size())

	// Lower sequence number.
	require.False(t, store.Add(newTestEntry(t, key, payload, 0), "peerB"))

	// Higher sequence number replaces the entry.
	require.True(t, store.Add(newTestEntry(t, key, payload, 2), "peerA"))
	stored, ok := store.Get(pstore.PayloadHash(payload))
	require.True(t, ok)
	require.Equal(t, uint32(2), stored.SequenceNumber)
}

func TestAddRejectsTamperedEntries(t *testing.T) {
	store := pstore.NewStore(pstore.StoreConfig{})
	key := newTestKey(t)
	payload := []byte(`{"offerId":"abc"}`)

	tamperedPayload := newTestEntry(t, key, payload, 1)
	tamperedPayload.Payload[0] ^= 0x01
	require.False(t, store.Add(tamperedPayload, "peerA"))
	require.Equal(t, 0, store.Size())

	tamperedSig := newTestEntry(t, key, payload, 1)
	tamperedSig.Signature[4] ^= 0x01
	require.False(t, store.Add(tamperedSig, "peerA"))

	tamperedSeqNum := newTestEntry(t, key, payload, 1)
	tamperedSeqNum.SequenceNumber = 7
	require.False(t, store.Add(tamperedSeqNum, "peerA"))

	require.True(t, store.Add(newTestEntry(t, key, payload, 1), "peerA"))
}

func TestAddRejectsChangedOwnerKey(t *testing.T) {
	store := pstore.NewStore(pstore.StoreConfig{})
	payload := []byte(`{"offerId":"abc"}`)
	owner := newTestKey(t)
	hijacker := newTestKey(t)

	require.True(t, store.Add(newTestEntry(t, owner, payload, 1), "peerA"))
	// Correctly signed by a different key, still rejected: the slot owner
	// must not change.
	require.False(t, store.Add(newTestEntry(t, hijacker, payload, 2), "peerB"))
}

func TestAddRejectsOversizedEntries(t *testing.T) {
	store := pstore.NewStore(pstore.StoreConfig{})
	key := newTestKey(t)

	big := make([]byte, pstore.MaxPayloadSize+1)
	require.False(t, store.Add(newTestEntry(t, key, big, 1), "peerA"))

	entry := newTestEntry(t, key, []byte(`{}`), 1)
	entry.ExtraData = map[string]string{"k": string(make([]byte, pstore.MaxExtraDataLength+1))}
	require.False(t, store.Add(entry, "peerA"))
}

func TestRemoveLifecycle(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	store := pstore.NewStore(pstore.StoreConfig{Broadcaster: broadcaster})
	key := newTestKey(t)
	payload := []byte(`{"offerId":"abc"}`)

	require.True(t, store.Add(newTestEntry(t, key, payload, 1), "peerA"))
	require.False(t, store.Add(newTestEntry(t, key, payload, 1), "peerA"))
	require.True(t, store.Add(newTestEntry(t, key, payload, 2), "peerA"))

	stored, _ := store.Get(pstore.PayloadHash(payload))
	removal, err := pstore.RemovalEntry(stored, key, 3)
	require.NoError(t, err)
	require.True(t, store.Remove(removal, ""))

	_, ok := store.Get(pstore.PayloadHash(payload))
	require.False(t, ok)

	// The sequence record outlives the entry: a replayed add with an old
	// sequence number keeps failing.
	require.False(t, store.Add(newTestEntry(t, key, payload, 2), "peerB"))

	require.Equal(t, []string{"peerA", "peerA"}, broadcaster.adds)
	require.Equal(t, []string{""}, broadcaster.removes)
}

func TestRemoveRejectsForeignKey(t *testing.T) {
	store := pstore.NewStore(pstore.StoreConfig{})
	owner := newTestKey(t)
	attacker := newTestKey(t)
	payload := []byte(`{"offerId":"abc"}`)

	require.True(t, store.Add(newTestEntry(t, owner, payload, 1), "peerA"))

	stored, _ := store.Get(pstore.PayloadHash(payload))
	removal, err := pstore.RemovalEntry(stored, attacker, 2)
	require.NoError(t, err)
	require.False(t, store.Remove(removal, "peerB"))

	_, ok := store.Get(pstore.PayloadHash(payload))
	require.True(t, ok)
}

func TestRemoveUnknownPayloadIsIgnored(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	store := pstore.NewStore(pstore.StoreConfig{Broadcaster: broadcaster})
	owner := newTestKey(t)
	attacker := newTestKey(t)
	payload := []byte(`{"offerId":"abc"}`)

	// A removal for a payload that was never stored carries the only key it
	// could be verified against in its own envelope. It must be dropped
	// without leaving a sequence record or being re-broadcast.
	forged := newTestEntry(t, attacker, payload, 1000)
	require.False(t, store.Remove(forged, "peerB"))
	require.Empty(t, broadcaster.removes)

	// The legitimate owner's later add with a low sequence number is
	// unaffected by the dropped removal.
	require.True(t, store.Add(newTestEntry(t, owner, payload, 1), "peerA"))
	require.Equal(t, 1, store.Size())
}

func TestRefreshTTLExtendsExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := pstore.NewStore(pstore.StoreConfig{Clock: clock})
	key := newTestKey(t)
	payload := []byte(`{"offerId":"abc"}`)

	entry, err := pstore.NewEntry("offer", payload, key, 1, time.Minute, false)
	require.NoError(t, err)
	require.True(t, store.Add(entry, ""))

	now = now.Add(50 * time.Second)
	refresh, err := pstore.NewRefreshMessage(payload, key, 2)
	require.NoError(t, err)
	require.True(t, store.RefreshTTL(refresh, ""))

	// Without the refresh the entry would expire here.
	now = now.Add(30 * time.Second)
	store.RemoveExpired()
	_, ok := store.Get(pstore.PayloadHash(payload))
	require.True(t, ok)

	// A refresh signed by a foreign key is rejected.
	foreign, err := pstore.NewRefreshMessage(payload, newTestKey(t), 3)
	require.NoError(t, err)
	require.False(t, store.RefreshTTL(foreign, "peerB"))
}

func TestExpiredEntriesArePurged(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := pstore.NewStore(pstore.StoreConfig{Clock: clock})
	key := newTestKey(t)
	payload := []byte(`{"offerId":"abc"}`)

	entry, err := pstore.NewEntry("offer", payload, key, 1, time.Minute, false)
	require.NoError(t, err)
	require.True(t, store.Add(entry, ""))

	now = now.Add(2 * time.Minute)
	store.RemoveExpired()

	require.Equal(t, 0, store.Size())
	// Late add of the dead payload with the same sequence number fails, the
	// sequence record was kept.
	require.False(t, store.Add(newTestEntry(t, key, payload, 1), "peerA"))
	// A legitimate republish with a bumped sequence number succeeds.
	require.True(t, store.Add(newTestEntry(t, key, payload, 2), "peerA"))
}

func TestMailboxEntries(t *testing.T) {
	store := pstore.NewStore(pstore.StoreConfig{})
	sender := newTestKey(t)
	receiver := newTestKey(t)
	receiverPubKey := receiver.PubKey().SerializeCompressed()
	payload := []byte(`{"type":"fiatStarted","tradeId":"t1"}`)

	entry, err := pstore.NewMailboxEntry(
		"mailbox", payload, sender, receiverPubKey, 1, time.Hour,
	)
	require.NoError(t, err)
	require.True(t, store.Add(entry, ""))

	pending := store.MailboxEntriesFor(receiverPubKey)
	require.Len(t, pending, 1)
	require.Empty(t, store.MailboxEntriesFor(sender.PubKey().SerializeCompressed()))

	// Only the receiver may remove a mailbox entry.
	senderRemoval, err := pstore.RemovalEntry(pending[0], sender, 2)
	require.NoError(t, err)
	require.False(t, store.Remove(senderRemoval, ""))

	receiverRemoval, err := pstore.RemovalEntry(pending[0], receiver, 3)
	require.NoError(t, err)
	require.True(t, store.Remove(receiverRemoval, ""))
	require.Empty(t, store.MailboxEntriesFor(receiverPubKey))
}

func TestNextSequenceNumber(t *testing.T) {
	store := pstore.NewStore(pstore.StoreConfig{})
	key := newTestKey(t)
	payload := []byte(`{"offerId":"abc"}`)

	require.Equal(t, uint32(1), store.NextSequenceNumber(payload))
	require.True(t, store.Add(newTestEntry(t, key, payload, store.NextSequenceNumber(payload)), ""))
	require.Equal(t, uint32(2), store.NextSequenceNumber(payload))
}
