// Package dbbadger provides the badger-backed persistence of the daemon:
// the domain repositories and the on-disk copy of the protected storage.
package dbbadger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/timshannon/badgerhold/v4"
)

// DbManager holds all the badgerhold stores in a single data structure.
type DbManager struct {
	Store        *badgerhold.Store
	StorageStore *badgerhold.Store
}

// NewDbManager opens (or creates if not exists) the badger stores on disk.
// It expects a base data dir and an optional logger. Domain entities and the
// replicated-storage copy live in dedicated directories.
func NewDbManager(baseDbDir string, logger badger.Logger) (*DbManager, error) {
	mainDb, err := createDb(baseDbDir+"/main", logger)
	if err != nil {
		return nil, fmt.Errorf("opening main db: %w", err)
	}
	storageDb, err := createDb(baseDbDir+"/storage", logger)
	if err != nil {
		return nil, fmt.Errorf("opening storage db: %w", err)
	}
	return &DbManager{
		Store:        mainDb,
		StorageStore: storageDb,
	}, nil
}

// Close releases both stores.
func (d *DbManager) Close() error {
	if err := d.Store.Close(); err != nil {
		return err
	}
	return d.StorageStore.Close()
}

// JSONEncode is a custom JSON based encoder for badger.
func JSONEncode(value interface{}) ([]byte, error) {
	var buff bytes.Buffer
	en := json.NewEncoder(&buff)
	if err := en.Encode(value); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// JSONDecode is a custom JSON based decoder for badger.
func JSONDecode(data []byte, value interface{}) error {
	de := json.NewDecoder(bytes.NewReader(data))
	return de.Decode(value)
}

func createDb(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger
	opts.Compression = 0

	return badgerhold.Open(badgerhold.Options{
		Encoder:          JSONEncode,
		Decoder:          JSONDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}
