// internal/storage/badger_test.go
package storage

import (
	"fmt"
	"testing"
	"time"

	"funnel/internal/tree"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*badger.DB, func()) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable logging for tests

	db, err := badger.Open(opts)
	require.NoError(t, err)

	return db, func() { db.Close() }
}

func sampleEntries(n int) []tree.Entry {
	mtime := time.Unix(1700000000, 0).UTC()
	entries := []tree.Entry{{RelativePath: "lib", Mode: tree.DirMode, MTime: mtime}}
	for i := 0; i < n; i++ {
		entries = append(entries, tree.Entry{
			RelativePath: fmt.Sprintf("lib/file-%03d.js", i),
			Mode:         0o644,
			Size:         int64(i),
			MTime:        mtime,
		})
	}
	return entries
}

func TestBadgerStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store, err := NewBadgerStore(db)
	require.NoError(t, err)
	defer store.Close()

	t.Run("missing snapshot", func(t *testing.T) {
		entries, err := store.LoadSnapshot("nope")
		require.NoError(t, err)
		assert.Nil(t, entries)
	})

	t.Run("small snapshot is stored as is", func(t *testing.T) {
		want := sampleEntries(1)
		require.NoError(t, store.SaveSnapshot("small", want))

		got, err := store.LoadSnapshot("small")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("large snapshot is compressed", func(t *testing.T) {
		want := sampleEntries(200)
		require.NoError(t, store.SaveSnapshot("large", want))

		err := db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte("snapshot:large"))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				assert.Equal(t, zstdMagic, val[:4])
				return nil
			})
		})
		require.NoError(t, err)

		got, err := store.LoadSnapshot("large")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("keys and delete", func(t *testing.T) {
		keys, err := store.Keys()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"small", "large"}, keys)

		require.NoError(t, store.DeleteSnapshot("small"))
		got, err := store.LoadSnapshot("small")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("empty key", func(t *testing.T) {
		assert.Error(t, store.SaveSnapshot("", nil))
	})
}

func TestNewBadgerStoreRequiresDB(t *testing.T) {
	_, err := NewBadgerStore(nil)
	assert.Error(t, err)
}
