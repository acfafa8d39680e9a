package pipeline

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// InitDB opens the snapshot database under path, creating it if needed.
func InitDB(path string) (*badger.DB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	opts := badger.DefaultOptions(path).
		WithNumVersionsToKeep(1). // snapshots are overwritten whole
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return db, nil
}

// inMemoryDBOptions are used by tests and by ad-hoc builds that have no
// state directory.
func inMemoryDBOptions() badger.Options {
	return badger.DefaultOptions("").
		WithInMemory(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
}

// OpenInMemoryDB opens a throwaway snapshot database.
func OpenInMemoryDB() (*badger.DB, error) {
	db, err := badger.Open(inMemoryDBOptions())
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	return db, nil
}
