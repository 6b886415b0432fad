// Package pstore implements the replicated protected data store shared by
// all peers: a map of signed, sequence-numbered entries with replay
// protection, TTL based eviction and mailbox support for offline delivery.
package pstore

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// MaxPayloadSize is the upper bound for serialized payload bytes. Bigger
	// entries are rejected as flooding attempts.
	MaxPayloadSize = 100 * 1024
	// MaxExtraDataEntries bounds the optional extra-data map of an entry.
	MaxExtraDataEntries = 10
	// MaxExtraDataLength bounds keys and values of the extra-data map.
	MaxExtraDataLength = 256
)

// Entry is the signed, versioned envelope replicated between peers. The
// payload is carried as opaque serialized bytes tagged with a type so that
// signatures stay valid verbatim on every hop; peers never re-sign entries.
// A non-nil ReceiverPubKey marks a mailbox entry, removable only by the
// receiver.
type Entry struct {
	PayloadType    string            `json:"payloadType"`
	Payload        []byte            `json:"payload"`
	OwnerPubKey    []byte            `json:"ownerPubKey"`
	ReceiverPubKey []byte            `json:"receiverPubKey,omitempty"`
	SequenceNumber uint32            `json:"sequenceNumber"`
	Signature      []byte            `json:"signature"`
	CreatedAt      int64             `json:"createdAt"`
	TTLMillis      int64             `json:"ttl"`
	Persistent     bool              `json:"persistent"`
	ExtraData      map[string]string `json:"extraData,omitempty"`
}

// RefreshMessage extends the TTL of a stored entry without retransmitting
// the payload. The signature covers the stored payload bytes together with
// the bumped sequence number.
type RefreshMessage struct {
	PayloadHash    chainhash.Hash `json:"payloadHash"`
	SequenceNumber uint32         `json:"sequenceNumber"`
	Signature      []byte         `json:"signature"`
}

// NewEntry builds and signs an entry owned by the given key.
func NewEntry(
	payloadType string, payload []byte, ownerKey *btcec.PrivateKey,
	sequenceNumber uint32, ttl time.Duration, persistent bool,
) (*Entry, error) {
	sig, err := signPayload(ownerKey, payload, sequenceNumber)
	if err != nil {
		return nil, err
	}
	return &Entry{
		PayloadType:    payloadType,
		Payload:        payload,
		OwnerPubKey:    ownerKey.PubKey().SerializeCompressed(),
		SequenceNumber: sequenceNumber,
		Signature:      sig,
		CreatedAt:      time.Now().UnixMilli(),
		TTLMillis:      ttl.Milliseconds(),
		Persistent:     persistent,
	}, nil
}

// NewMailboxEntry builds and signs a mailbox entry addressed to the owner of
// receiverPubKey. The sender signs the add operation; only a removal signed
// by the receiver is accepted.
func NewMailboxEntry(
	payloadType string, payload []byte, senderKey *btcec.PrivateKey,
	receiverPubKey []byte, sequenceNumber uint32, ttl time.Duration,
) (*Entry, error) {
	entry, err := NewEntry(
		payloadType, payload, senderKey, sequenceNumber, ttl, false,
	)
	if err != nil {
		return nil, err
	}
	entry.ReceiverPubKey = receiverPubKey
	return entry, nil
}

// RemovalEntry derives the signed removal counterpart for a stored entry.
// For mailbox entries the key must be the receiver's, otherwise the owner's.
func RemovalEntry(
	stored *Entry, key *btcec.PrivateKey, sequenceNumber uint32,
) (*Entry, error) {
	sig, err := signPayload(key, stored.Payload, sequenceNumber)
	if err != nil {
		return nil, err
	}
	removal := *stored
	removal.SequenceNumber = sequenceNumber
	removal.Signature = sig
	return &removal, nil
}

// NewRefreshMessage builds a signed TTL refresh for the given payload.
func NewRefreshMessage(
	payload []byte, ownerKey *btcec.PrivateKey, sequenceNumber uint32,
) (*RefreshMessage, error) {
	sig, err := signPayload(ownerKey, payload, sequenceNumber)
	if err != nil {
		return nil, err
	}
	return &RefreshMessage{
		PayloadHash:    PayloadHash(payload),
		SequenceNumber: sequenceNumber,
		Signature:      sig,
	}, nil
}

// PayloadHash returns the map key for a payload: the SHA-256 of its
// serialized bytes.
func PayloadHash(payload []byte) chainhash.Hash {
	return chainhash.HashH(payload)
}

// Hash returns the map key of the entry's payload.
func (e *Entry) Hash() chainhash.Hash {
	return PayloadHash(e.Payload)
}

// IsMailbox reports whether the entry is addressed to a specific receiver.
func (e *Entry) IsMailbox() bool {
	return len(e.ReceiverPubKey) > 0
}

// IsExpired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.TTLMillis > 0 && e.CreatedAt+e.TTLMillis < now.UnixMilli()
}

// VerifyAddSignature checks the entry signature against its own owner key.
// Used for add operations, where the publisher proves ownership.
func (e *Entry) VerifyAddSignature() bool {
	return verifyPayload(e.OwnerPubKey, e.Payload, e.SequenceNumber, e.Signature)
}

// VerifyRemoveSignature checks the removal signature against the key that is
// allowed to delete the stored entry: the receiver for mailbox entries, the
// owner otherwise.
func (e *Entry) VerifyRemoveSignature(stored *Entry) bool {
	removerPubKey := stored.OwnerPubKey
	if stored.IsMailbox() {
		removerPubKey = stored.ReceiverPubKey
	}
	return verifyPayload(removerPubKey, e.Payload, e.SequenceNumber, e.Signature)
}

// OwnedBySameKey reports whether both entries carry the same owner key. An
// updated entry must never change ownership of the slot.
func (e *Entry) OwnedBySameKey(other *Entry) bool {
	return bytes.Equal(e.OwnerPubKey, other.OwnerPubKey)
}

// validExtraData bounds the optional metadata map.
func (e *Entry) validExtraData() bool {
	if len(e.ExtraData) > MaxExtraDataEntries {
		return false
	}
	for k, v := range e.ExtraData {
		if len(k) > MaxExtraDataLength || len(v) > MaxExtraDataLength {
			return false
		}
	}
	return true
}

// sealedHash is the digest covered by entry signatures:
// sha256(payload || bigendian(sequenceNumber)).
func sealedHash(payload []byte, sequenceNumber uint32) []byte {
	buf := make([]byte, len(payload)+4)
	copy(buf, payload)
	binary.BigEndian.PutUint32(buf[len(payload):], sequenceNumber)
	hash := chainhash.HashH(buf)
	return hash[:]
}

func signPayload(key *btcec.PrivateKey, payload []byte, sequenceNumber uint32) ([]byte, error) {
	sig := ecdsa.Sign(key, sealedHash(payload, sequenceNumber))
	return sig.Serialize(), nil
}

func verifyPayload(pubKeyBytes, payload []byte, sequenceNumber uint32, sigBytes []byte) bool {
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(sealedHash(payload, sequenceNumber), pubKey)
}
