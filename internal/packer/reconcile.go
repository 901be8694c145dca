package packer

import (
	"context"
	"sort"

	"go.uber.org/zap"

	errs "loom/internal/errors"
	"loom/internal/graph"
	"loom/internal/index"
	"loom/internal/knit"
	"loom/internal/pack"
)

// ReconcilePacker is a packer that repairs records whose stored parent
// pointers disagree with the trusted revision ancestry, without deleting
// any revision. It recomputes the ideal per-text-key parents from the
// revision graph plus the inventory reference scan, and rewrites only what
// disagrees.
type ReconcilePacker struct {
	*Packer
	dataChanged bool
}

func NewReconcile(c *pack.Collection, packs []*pack.Pack, suffix string,
	logger *zap.Logger, opts ...Option) (*ReconcilePacker, error) {
	p, err := New(c, packs, suffix, logger, opts...)
	if err != nil {
		return nil, err
	}
	r := &ReconcilePacker{Packer: p}
	// during reconcile every text's fate is decided from the ideal index,
	// so no text filter is derived from the inventories
	p.copyTexts = r.copyTextTexts
	p.usePack = r.usePackIfChanged
	return r, nil
}

// revisionAncestry reads the trusted ancestry out of the new pack's
// revision index, written in step 1.
func (r *ReconcilePacker) revisionAncestry() (map[string][]string, error) {
	ancestors := make(map[string][]string)
	err := r.newPack.Index(pack.StreamRevisions).IterAllEntries(func(e index.Entry) error {
		parents := make([]string, len(e.Parents))
		for i, p := range e.Parents {
			parents[i] = p.VersionID()
		}
		ancestors[e.Key.VersionID()] = parents
		return nil
	})
	return ancestors, err
}

// idealTextParents computes, for every referenced text key, the parents it
// ought to have: for each revision parent, the nearest ancestor revision
// that also touched the item.
func (r *ReconcilePacker) idealTextParents(ancestors map[string][]string) map[string][]index.Key {
	// group harvested references per item
	revsPerItem := make(map[string]map[string]bool)
	for _, key := range r.textRefs {
		revs := revsPerItem[key.ItemID()]
		if revs == nil {
			revs = make(map[string]bool)
			revsPerItem[key.ItemID()] = revs
		}
		revs[key.VersionID()] = true
	}

	ideal := make(map[string][]index.Key, len(r.textRefs))
	for _, key := range r.textRefs {
		item := key.ItemID()
		touched := revsPerItem[item]

		var parents []index.Key
		seen := make(map[string]bool)
		for _, parentRev := range ancestors[key.VersionID()] {
			// breadth-first up the ancestry to the nearest revision that
			// also references this item
			queue := []string{parentRev}
			visited := make(map[string]bool)
			for len(queue) > 0 {
				rev := queue[0]
				queue = queue[1:]
				if visited[rev] {
					continue
				}
				visited[rev] = true
				if touched[rev] {
					if !seen[rev] {
						seen[rev] = true
						parents = append(parents, index.NewKey(item, rev))
					}
					break
				}
				queue = append(queue, ancestors[rev]...)
			}
		}
		ideal[key.String()] = parents
	}
	return ideal
}

type badText struct {
	key     index.Key
	parents []index.Key
}

func (r *ReconcilePacker) copyTextTexts(ctx context.Context) error {
	ancestors, err := r.revisionAncestry()
	if err != nil {
		return err
	}
	ideal := r.idealTextParents(ancestors)

	// classify every existing text record
	type okNode struct {
		entry   index.Entry
		parents []index.Key // corrected parents to store
	}
	okNodes := make(map[string]okNode)
	var bad []badText

	seen := make(map[string]bool)
	for _, src := range r.packs {
		err := src.Index(pack.StreamTexts).IterAllEntries(func(e index.Entry) error {
			if seen[e.Key.String()] {
				return nil
			}
			seen[e.Key.String()] = true

			idealParents, referenced := ideal[e.Key.String()]
			if !referenced {
				// not referenced by any inventory: garbage from an old
				// writer, dropped rather than copied
				r.dataChanged = true
				r.logger.Warn("discarding unreferenced text",
					zap.String("key", e.Key.Path()))
				return nil
			}
			switch {
			case keysEqual(idealParents, e.Parents):
				okNodes[e.Key.String()] = okNode{entry: e, parents: e.Parents}
			case headEqual(idealParents, e.Parents):
				// delta basis still valid: same bytes, corrected parents
				r.dataChanged = true
				okNodes[e.Key.String()] = okNode{entry: e, parents: idealParents}
			default:
				// the leftmost parent changed, so the record must be
				// re-encoded against its new basis
				r.dataChanged = true
				bad = append(bad, badText{key: e.Key, parents: idealParents})
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	// bulk copy the records that keep their bytes, rewriting parents where
	// needed
	correctedParents := make(map[string][]index.Key, len(okNodes))
	// the filter must stay non-nil even when empty: nil means "copy all"
	filter := make([]index.Key, 0, len(okNodes))
	for s, node := range okNodes {
		correctedParents[s] = node.parents
		filter = append(filter, node.entry.Key)
	}
	err = r.copyStream(ctx, pack.StreamTexts, filter, nil, false)
	if err != nil {
		return err
	}
	if len(correctedParents) > 0 {
		if err := r.rewriteParents(pack.StreamTexts, correctedParents); err != nil {
			return err
		}
	}

	if len(bad) == 0 {
		return nil
	}
	return r.reinsertTexts(ctx, bad, ancestors)
}

// rewriteParents replaces the parent lists of already-copied entries whose
// metadata was corrected.
func (r *ReconcilePacker) rewriteParents(stream string, corrected map[string][]index.Key) error {
	ix := r.newPack.Index(stream)
	var updates []index.Entry
	err := ix.IterAllEntries(func(e index.Entry) error {
		want, ok := corrected[e.Key.String()]
		if ok && !keysEqual(want, e.Parents) {
			e.Parents = want
			updates = append(updates, e)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range updates {
		if err := ix.ReplaceNode(e.Key, e.Value, e.Parents, e.CompressionParent); err != nil {
			return err
		}
	}
	return nil
}

// reinsertTexts re-encodes the records whose delta basis changed, in
// ancestors-first topological order of the revision graph so every new
// basis is already written when its dependents need it.
func (r *ReconcilePacker) reinsertTexts(ctx context.Context, bad []badText,
	ancestors map[string][]string) error {

	topo, err := graph.TopoSort(ancestors)
	if err != nil {
		return err
	}
	order := make(map[string]int, len(topo))
	for i, rev := range topo {
		order[rev] = i
	}
	sort.Slice(bad, func(i, j int) bool {
		oi, oj := order[bad[i].key.VersionID()], order[bad[j].key.VersionID()]
		if oi != oj {
			return oi < oj
		}
		return bad[i].key.String() < bad[j].key.String()
	})

	// read fulltexts from the sources, write re-encoded records into the
	// new pack; deltas may only reference records already in the new pack
	reader, err := knit.New(pack.StreamTexts,
		pack.NewGroup(r.collection.Transport(), r.packs),
		func() (*pack.NewPack, error) { return nil, errs.ErrNoWriteGroup },
		r.codec, 0, r.logger)
	if err != nil {
		return err
	}
	writer, err := knit.New(pack.StreamTexts, r.newPack.RecordSource(),
		func() (*pack.NewPack, error) { return r.newPack, nil },
		r.codec, r.textChainLimit, r.logger)
	if err != nil {
		return err
	}

	for _, b := range bad {
		for _, parent := range b.parents {
			if parent.ItemID() != b.key.ItemID() {
				return errs.Formatf("text %s has mismatched parent %s",
					b.key.Path(), parent.Path())
			}
		}
		lines, err := reader.Get(ctx, b.key)
		if err != nil {
			return err
		}
		if err := writer.AddLines(ctx, b.key, b.parents, lines); err != nil {
			return err
		}
		r.logger.Debug("re-encoded text", zap.String("key", b.key.Path()))
	}
	return nil
}

// usePackIfChanged vetoes the result when the run fixed nothing: the new
// pack is discarded as a benign no-op. A change to the inventory keyspace
// also counts as a correction.
func (r *ReconcilePacker) usePackIfChanged() (bool, error) {
	before := make(map[string]bool)
	err := pack.NewGroup(r.collection.Transport(), r.packs).
		CombinedIndex(pack.StreamInventories).IterAllEntries(func(e index.Entry) error {
		before[e.Key.String()] = true
		return nil
	})
	if err != nil {
		return false, err
	}
	after := make(map[string]bool)
	err = r.newPack.Index(pack.StreamInventories).IterAllEntries(func(e index.Entry) error {
		after[e.Key.String()] = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(before) != len(after) {
		r.dataChanged = true
	} else {
		for k := range before {
			if !after[k] {
				r.dataChanged = true
				break
			}
		}
	}
	return r.newPack.DataInserted() && r.dataChanged, nil
}

// Reconcile runs a reconcile pass over the whole collection. It returns
// true when corrections were committed, false for a clean repository.
func Reconcile(ctx context.Context, c *pack.Collection, logger *zap.Logger) (bool, error) {
	sources := c.AllPacks()
	if len(sources) == 0 {
		return false, nil
	}
	r, err := NewReconcile(c, sources, ".reconcile", logger)
	if err != nil {
		return false, err
	}
	result, err := r.Pack(ctx)
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}
	return true, c.ReplacePacks(sources)
}

func keysEqual(a, b []index.Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// headEqual reports whether the leftmost parents agree (both absent counts
// as agreement).
func headEqual(a, b []index.Key) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	return a[0].Equal(b[0])
}
