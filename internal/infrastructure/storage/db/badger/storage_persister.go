package dbbadger

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/timshannon/badgerhold/v4"

	"github.com/peerdex-network/peerdexd/pkg/pstore"
)

const seqNumSnapshotKey = "sequence_numbers"

// seqNumSnapshot is the persisted replay-protection map. Stored as one
// record; it is small and written only on shutdown and periodically.
type seqNumSnapshot struct {
	Records map[string]pstore.SequenceRecord
}

// StoragePersister is the on-disk copy of the protected storage: persistent
// entries survive restarts, and the sequence-number map keeps replay
// protection effective across them.
type StoragePersister struct {
	db *DbManager
}

// NewStoragePersister returns a persister writing to the storage store.
func NewStoragePersister(db *DbManager) *StoragePersister {
	return &StoragePersister{db: db}
}

var _ pstore.Persister = (*StoragePersister)(nil)

func (p *StoragePersister) PutEntry(hash chainhash.Hash, entry *pstore.Entry) error {
	return p.db.StorageStore.Upsert(hash.String(), *entry)
}

func (p *StoragePersister) DeleteEntry(hash chainhash.Hash) error {
	err := p.db.StorageStore.Delete(hash.String(), pstore.Entry{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	}
	return err
}

// LoadEntries returns all persisted entries, used to reseed the in-memory
// store at boot.
func (p *StoragePersister) LoadEntries() ([]*pstore.Entry, error) {
	var entries []pstore.Entry
	if err := p.db.StorageStore.Find(&entries, nil); err != nil {
		return nil, err
	}
	result := make([]*pstore.Entry, 0, len(entries))
	for i := range entries {
		result = append(result, &entries[i])
	}
	return result, nil
}

// SaveSequenceNumbers persists the replay-protection map.
func (p *StoragePersister) SaveSequenceNumbers(
	records map[chainhash.Hash]pstore.SequenceRecord,
) error {
	snapshot := seqNumSnapshot{
		Records: make(map[string]pstore.SequenceRecord, len(records)),
	}
	for hash, record := range records {
		snapshot.Records[hash.String()] = record
	}
	return p.db.StorageStore.Upsert(seqNumSnapshotKey, snapshot)
}

// LoadSequenceNumbers returns the persisted replay-protection map, empty
// when none was saved yet.
func (p *StoragePersister) LoadSequenceNumbers() (
	map[chainhash.Hash]pstore.SequenceRecord, error,
) {
	var snapshot seqNumSnapshot
	if err := p.db.StorageStore.Get(seqNumSnapshotKey, &snapshot); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return map[chainhash.Hash]pstore.SequenceRecord{}, nil
		}
		return nil, err
	}
	records := make(map[chainhash.Hash]pstore.SequenceRecord, len(snapshot.Records))
	for hashStr, record := range snapshot.Records {
		hash, err := chainhash.NewHashFromStr(hashStr)
		if err != nil {
			continue
		}
		records[*hash] = record
	}
	return records, nil
}
