// Package ltriedb is the top-level convenience wrapper: open a single
// file, get a key-value store with an attached table-name schema,
// without touching the storage/cache/trie layers directly.
package ltriedb

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kael-ostra/ltriedb/pkg/schema"
	"github.com/kael-ostra/ltriedb/pkg/storage"
	"github.com/kael-ostra/ltriedb/pkg/trie"
)

// DB is a single open LTrie file plus its schema adapter.
type DB struct {
	backing *storage.FileByteStorage
	trie    *trie.Trie
	schema  *schema.Schema
	log     *logrus.Entry
}

// Open opens path, creating it if it does not already exist.
func Open(path string) (*DB, error) {
	backing, err := storage.OpenFileStorage(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}

	tr, err := trie.Open(backing)
	if err != nil {
		backing.Close()
		return nil, errors.Wrapf(err, "opening trie at %q", path)
	}

	return &DB{
		backing: backing,
		trie:    tr,
		schema:  schema.Open(tr),
		log:     logrus.WithField("component", "ltriedb").WithField("path", path),
	}, nil
}

// Close flushes pending writes and releases the backing file handle.
func (db *DB) Close() error {
	if err := db.trie.Flush(); err != nil {
		db.log.WithError(err).Error("flush failed on close")
		return err
	}
	return db.backing.Close()
}

// Get retrieves the value stored for key, if any.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	return db.trie.Root().GetValue(key)
}

// Set inserts or overwrites the value stored for key.
func (db *DB) Set(key, value []byte) error {
	return db.trie.Root().SetKey(key, value)
}

// Delete removes key if present. Deleting an absent key is a no-op.
func (db *DB) Delete(key []byte) (bool, error) {
	return db.trie.Root().DeleteKey(key)
}

// FindBestMatch reports the deepest prefix match for needle.
func (db *DB) FindBestMatch(needle []byte) (*trie.MatchResult, error) {
	return db.trie.Root().FindBestMatch(needle)
}

// EnumerateStartWith returns every record whose key begins with prefix,
// in ascending order.
func (db *DB) EnumerateStartWith(prefix []byte) (*trie.EnumIterator, error) {
	return db.trie.Root().EnumerateStartWith(prefix)
}

// RecordCount returns the number of reachable records.
func (db *DB) RecordCount() uint64 {
	return db.trie.Root().RecordCount()
}

// Flush persists all dirty pages to the backing file without closing it.
func (db *DB) Flush() error {
	return db.trie.Flush()
}

// Tables returns the table-name-to-file-number schema registry.
func (db *DB) Tables() *schema.Schema {
	return db.schema
}

// SetConsistencyCheck toggles read-back verification after every write.
func (db *DB) SetConsistencyCheck(enabled bool) {
	db.trie.SetConsistencyCheck(enabled)
}

// Stats summarizes the open database for diagnostics.
type Stats struct {
	RecordCount uint64
	Generation  uint64
}

// Stats returns a snapshot of database-level counters.
func (db *DB) Stats() (*Stats, error) {
	gen, err := db.trie.Root().ReadGenerationNode()
	if err != nil {
		return nil, err
	}
	return &Stats{
		RecordCount: db.trie.Root().RecordCount(),
		Generation:  gen,
	}, nil
}
