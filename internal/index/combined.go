package index

import (
	errs "loom/internal/errors"
)

// Combined is a merged, re-sorted view over the per-pack indices of one
// stream. It is derived state: the pack collection rebuilds it whenever the
// pack set changes. When the same key appears in several packs the earliest
// pack in the list wins; duplicate keys are by construction identical
// records.
type Combined struct {
	indices []*GraphIndex
}

func NewCombined(indices []*GraphIndex) *Combined {
	return &Combined{indices: indices}
}

// Indices returns the underlying per-pack views, in priority order.
func (c *Combined) Indices() []*GraphIndex {
	return c.indices
}

// Get finds the entry for key and the index that holds it.
func (c *Combined) Get(key Key) (Entry, *GraphIndex, error) {
	for _, ix := range c.indices {
		entry, err := ix.Get(key)
		if err == errs.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return Entry{}, nil, err
		}
		return entry, ix, nil
	}
	return Entry{}, nil, errs.ErrKeyNotFound
}

// IterAllEntries walks every distinct key across all indices in key-sorted
// order.
func (c *Combined) IterAllEntries(fn func(Entry) error) error {
	merged := make(map[string]Entry)
	for _, ix := range c.indices {
		err := ix.IterAllEntries(func(e Entry) error {
			if _, ok := merged[e.Key.String()]; !ok {
				merged[e.Key.String()] = e
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	keys := make([]Key, 0, len(merged))
	for s := range merged {
		keys = append(keys, ParseKey(s))
	}
	sortKeys(keys)
	for _, key := range keys {
		if err := fn(merged[key.String()]); err != nil {
			return err
		}
	}
	return nil
}

// KeyCount returns the number of distinct keys across all indices.
func (c *Combined) KeyCount() (int, error) {
	count := 0
	err := c.IterAllEntries(func(Entry) error {
		count++
		return nil
	})
	return count, err
}

// ParentMap returns key → parent keys for each requested key that exists.
func (c *Combined) ParentMap(keys []Key) (map[string][]Key, error) {
	result := make(map[string][]Key, len(keys))
	for _, key := range keys {
		entry, _, err := c.Get(key)
		if err == errs.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[key.String()] = entry.Parents
	}
	return result, nil
}
