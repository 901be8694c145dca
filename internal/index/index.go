// Package index provides the graph-index capability the pack layer consumes:
// sorted key → (record position, parent keys) lookup with append and
// full-scan iteration. All indices in a repository live in one badger
// database; a pack's per-stream index is a key-prefix view, immutable by
// convention once the pack is committed.
package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	errs "loom/internal/errors"
)

// Entry is one index node: a key, its record position value, its parent
// keys, and the delta-basis key when the record is a line-delta.
type Entry struct {
	Key     Key
	Value   string // "<eol-flag><offset> <length>"
	Parents []Key
	// CompressionParent is nil for fulltext records; for line-deltas it
	// names the basis record, always the leftmost parent at write time.
	CompressionParent Key
}

// FormatValue renders a record position. The flag byte records whether the
// stored text ended without a trailing newline ('N') or with one (' ').
func FormatValue(eolFlag byte, offset, length int64) string {
	return fmt.Sprintf("%c%d %d", eolFlag, offset, length)
}

// Position parses the entry's value into its flag byte and byte range.
func (e Entry) Position() (eolFlag byte, offset, length int64, err error) {
	if len(e.Value) < 4 {
		return 0, 0, 0, errs.Formatf("index value %q too short", e.Value)
	}
	eolFlag = e.Value[0]
	parts := strings.SplitN(e.Value[1:], " ", 2)
	if len(parts) != 2 {
		return 0, 0, 0, errs.Formatf("index value %q malformed", e.Value)
	}
	if offset, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, 0, 0, errs.Formatf("index value %q: bad offset", e.Value)
	}
	if length, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, errs.Formatf("index value %q: bad length", e.Value)
	}
	return eolFlag, offset, length, nil
}

// entryValue is the stored form of an Entry, marshaled as JSON.
type entryValue struct {
	Value             string   `json:"value"`
	Parents           []string `json:"parents,omitempty"`
	CompressionParent string   `json:"compression_parent,omitempty"`
}

// Store wraps the badger database holding every graph index.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the index database under dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening index store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an ephemeral index store, used by tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory index store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Index returns the graph index of one stream of one pack.
func (s *Store) Index(stream, pack string) *GraphIndex {
	return &GraphIndex{
		store:  s,
		stream: stream,
		pack:   pack,
		prefix: []byte("ix\x00" + stream + "\x00" + pack + "\x00"),
	}
}

// GraphIndex is one pack's sorted key → entry index for one stream.
type GraphIndex struct {
	store  *Store
	stream string
	pack   string
	prefix []byte
}

// Stream returns the stream this index belongs to.
func (ix *GraphIndex) Stream() string { return ix.stream }

// Pack returns the pack name this index belongs to.
func (ix *GraphIndex) Pack() string { return ix.pack }

func (ix *GraphIndex) dbKey(key Key) []byte {
	return append(append([]byte(nil), ix.prefix...), key.String()...)
}

func (ix *GraphIndex) decode(key Key, data []byte) (Entry, error) {
	var stored entryValue
	if err := json.Unmarshal(data, &stored); err != nil {
		return Entry{}, fmt.Errorf("decoding index entry %s: %w", key.Path(), err)
	}
	entry := Entry{Key: key, Value: stored.Value}
	for _, p := range stored.Parents {
		entry.Parents = append(entry.Parents, ParseKey(p))
	}
	if stored.CompressionParent != "" {
		entry.CompressionParent = ParseKey(stored.CompressionParent)
	}
	return entry, nil
}

// AddNode appends one entry. Committed pack indices are never written to;
// only the in-progress pack's indices accept nodes.
func (ix *GraphIndex) AddNode(key Key, value string, parents []Key, compressionParent Key) error {
	stored := entryValue{Value: value}
	for _, p := range parents {
		stored.Parents = append(stored.Parents, p.String())
	}
	if compressionParent != nil {
		stored.CompressionParent = compressionParent.String()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding index entry: %w", err)
	}

	dbKey := ix.dbKey(key)
	return ix.store.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dbKey); err == nil {
			return fmt.Errorf("adding %s to %s/%s index: %w",
				key.Path(), ix.pack, ix.stream, errs.ErrKeyExists)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(dbKey, data)
	})
}

// ReplaceNode overwrites an existing entry. Only reconcile uses it, to
// correct parent pointers on an in-progress pack's index.
func (ix *GraphIndex) ReplaceNode(key Key, value string, parents []Key, compressionParent Key) error {
	stored := entryValue{Value: value}
	for _, p := range parents {
		stored.Parents = append(stored.Parents, p.String())
	}
	if compressionParent != nil {
		stored.CompressionParent = compressionParent.String()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding index entry: %w", err)
	}
	dbKey := ix.dbKey(key)
	return ix.store.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dbKey); err == badger.ErrKeyNotFound {
			return fmt.Errorf("replacing %s in %s/%s index: %w",
				key.Path(), ix.pack, ix.stream, errs.ErrKeyNotFound)
		} else if err != nil {
			return err
		}
		return txn.Set(dbKey, data)
	})
}

// Get looks up a single key.
func (ix *GraphIndex) Get(key Key) (Entry, error) {
	var entry Entry
	err := ix.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ix.dbKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry, err = ix.decode(key, val)
			return err
		})
	})
	if err == badger.ErrKeyNotFound {
		return Entry{}, errs.ErrKeyNotFound
	}
	return entry, err
}

// IterAllEntries walks every entry in key-sorted order.
func (ix *GraphIndex) IterAllEntries(fn func(Entry) error) error {
	return ix.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ix.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(ix.prefix); it.ValidForPrefix(ix.prefix); it.Next() {
			item := it.Item()
			key := ParseKey(string(item.Key()[len(ix.prefix):]))
			err := item.Value(func(val []byte) error {
				entry, err := ix.decode(key, val)
				if err != nil {
					return err
				}
				return fn(entry)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// IterEntries visits the entries for the requested keys, in key-sorted
// order, silently skipping keys this index does not hold.
func (ix *GraphIndex) IterEntries(keys []Key, fn func(Entry) error) error {
	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sortKeys(sorted)
	for _, key := range sorted {
		entry, err := ix.Get(key)
		if err == errs.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// KeyCount returns the number of entries.
func (ix *GraphIndex) KeyCount() (int, error) {
	count := 0
	err := ix.IterAllEntries(func(Entry) error {
		count++
		return nil
	})
	return count, err
}

// ExternalCompressionReferences returns delta-basis keys referenced by
// entries of this index but not stored in it. A committed pack must have
// none: a dangling basis makes its dependents unreconstructable.
func (ix *GraphIndex) ExternalCompressionReferences() ([]Key, error) {
	present := make(map[string]struct{})
	referenced := make(map[string]Key)
	err := ix.IterAllEntries(func(e Entry) error {
		present[e.Key.String()] = struct{}{}
		if e.CompressionParent != nil {
			referenced[e.CompressionParent.String()] = e.CompressionParent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var missing []Key
	for s, key := range referenced {
		if _, ok := present[s]; !ok {
			missing = append(missing, key)
		}
	}
	sortKeys(missing)
	return missing, nil
}

// DropAll removes every entry, used when a pack is aborted or obsoleted.
func (ix *GraphIndex) DropAll() error {
	var dbKeys [][]byte
	err := ix.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ix.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(ix.prefix); it.ValidForPrefix(ix.prefix); it.Next() {
			dbKeys = append(dbKeys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return ix.store.db.Update(func(txn *badger.Txn) error {
		for _, k := range dbKeys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
