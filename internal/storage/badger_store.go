// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"funnel/internal/tree"

	"github.com/dgraph-io/badger/v4"
)

const snapshotPrefix = "snapshot"

// BadgerStore persists projection snapshots so an incremental build can pick
// up where the previous process left off.
type BadgerStore struct {
	db     *badger.DB
	prefix string
	codec  *compressionManager
}

func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	codec, err := newCompressionManager(DefaultCompressionOptions())
	if err != nil {
		return nil, fmt.Errorf("creating compression manager: %w", err)
	}
	return &BadgerStore{
		db:     db,
		prefix: snapshotPrefix,
		codec:  codec,
	}, nil
}

func (s *BadgerStore) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, id))
}

func (s *BadgerStore) stripPrefix(key []byte) string {
	return strings.TrimPrefix(string(key), fmt.Sprintf("%s:", s.prefix))
}

// SaveSnapshot replaces the stored snapshot for key.
func (s *BadgerStore) SaveSnapshot(key string, entries []tree.Entry) error {
	if key == "" {
		return fmt.Errorf("snapshot key cannot be empty")
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	data, err = s.codec.compress(data)
	if err != nil {
		return fmt.Errorf("compressing snapshot: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.makeKey(key), data)
	})
}

// LoadSnapshot returns nil without error when nothing was stored for key.
func (s *BadgerStore) LoadSnapshot(key string) ([]tree.Entry, error) {
	var entries []tree.Entry

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.makeKey(key))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			raw, err := s.codec.decompress(val)
			if err != nil {
				return fmt.Errorf("decompressing snapshot: %w", err)
			}
			return json.Unmarshal(raw, &entries)
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", key, err)
	}
	return entries, nil
}

func (s *BadgerStore) DeleteSnapshot(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.makeKey(key))
	})
}

// Keys lists every stored snapshot key.
func (s *BadgerStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(s.prefix + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, s.stripPrefix(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return keys, nil
}

func (s *BadgerStore) Close() {
	s.codec.close()
}
