// Package packer implements pack consolidation: a transient job that copies
// the records of many source packs into one new pack, stream by stream,
// with one batched range read per source pack touched. Streams are
// processed strictly in order (revisions, inventories, texts, signatures)
// because each later stream's key filter derives from the previous one.
package packer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	errs "loom/internal/errors"
	"loom/internal/index"
	"loom/internal/pack"
	"loom/internal/record"
	"loom/internal/refscan"
	"loom/internal/transport"
)

// Packer consolidates source packs into one new pack.
type Packer struct {
	collection *pack.Collection
	packs      []*pack.Pack
	suffix     string
	// revisionIDs limits the copy to a revision subset; nil copies all.
	revisionIDs map[string]struct{}
	logger      *zap.Logger
	codec       *record.Codec
	scanner     *refscan.Scanner

	// chain limit used when reconcile re-encodes texts
	textChainLimit int

	newPack *pack.NewPack

	// revisionKeys holds the keys written in step 1; later streams filter
	// on them.
	revisionKeys []index.Key
	// textFilter is the text keyspace derived from copied inventories;
	// nil means copy all texts.
	textFilter map[string]index.Key
	// textRefs is every (item, version) reference harvested from the
	// copied inventories, keyed by Key.String().
	textRefs map[string]index.Key

	// hooks the reconcile packer overrides
	copyTexts        func(ctx context.Context) error
	usePack          func() (bool, error)
	processInventory func(key index.Key, lines []string) error

	// readCalls counts batched range reads issued; one per source pack
	// touched per stream.
	readCalls int
}

// Option configures a Packer.
type Option func(*Packer)

// WithRevisionFilter scopes the pack to a revision-id subset.
func WithRevisionFilter(revisionIDs []string) Option {
	return func(p *Packer) {
		p.revisionIDs = make(map[string]struct{}, len(revisionIDs))
		for _, id := range revisionIDs {
			p.revisionIDs[id] = struct{}{}
		}
	}
}

// WithEntityCache shares an unescape cache across packing runs.
func WithEntityCache(cache *refscan.EntityCache) Option {
	return func(p *Packer) {
		p.scanner = refscan.NewScanner(cache)
	}
}

// WithTextChainLimit overrides the delta-chain bound used when records must
// be re-encoded.
func WithTextChainLimit(limit int) Option {
	return func(p *Packer) {
		p.textChainLimit = limit
	}
}

// New creates a Packer over the given source packs. The suffix tags the new
// pack's name with the operation that produced it.
func New(c *pack.Collection, packs []*pack.Pack, suffix string, logger *zap.Logger, opts ...Option) (*Packer, error) {
	codec, err := record.NewCodec()
	if err != nil {
		return nil, err
	}
	p := &Packer{
		collection:     c,
		packs:          append([]*pack.Pack(nil), packs...),
		suffix:         suffix,
		logger:         logger,
		codec:          codec,
		scanner:        refscan.NewScanner(nil),
		textChainLimit: 200,
		textRefs:       make(map[string]index.Key),
	}
	p.copyTexts = p.copyTextsDefault
	p.usePack = func() (bool, error) { return p.newPack.DataInserted(), nil }
	p.processInventory = p.collectTextRefs
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ReadCalls reports how many batched range reads the run issued.
func (p *Packer) ReadCalls() int { return p.readCalls }

// Pack runs the consolidation. It returns the committed pack, or nil when
// there was nothing to commit: an empty filter, no data, or a policy veto,
// all benign.
func (p *Packer) Pack(ctx context.Context) (*pack.Pack, error) {
	if p.collection.InProgress() {
		return nil, errs.ErrWriteGroupActive
	}
	if p.revisionIDs != nil && len(p.revisionIDs) == 0 {
		return nil, nil
	}

	np, err := pack.CreatePack(p.collection.Transport(), p.collection.Store(), p.suffix, p.logger)
	if err != nil {
		return nil, err
	}
	p.newPack = np

	result, err := p.createPack(ctx)
	if err != nil {
		if aerr := np.Abort(); aerr != nil {
			p.logger.Warn("aborting failed pack", zap.Error(aerr))
		}
		return nil, err
	}
	if !result {
		if err := np.Abort(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := np.Finish(); err != nil {
		return nil, err
	}
	if err := p.collection.Allocate(np); err != nil {
		return nil, err
	}
	committed, _ := p.collection.GetPack(np.Name)
	p.logger.Info("created pack",
		zap.String("pack", np.Name),
		zap.Int("sources", len(p.packs)),
		zap.Int("read_calls", p.readCalls))
	return committed, nil
}

func (p *Packer) createPack(ctx context.Context) (bool, error) {
	if err := p.copyRevisions(ctx); err != nil {
		return false, err
	}
	if err := p.copyInventories(ctx); err != nil {
		return false, err
	}
	if err := p.copyTexts(ctx); err != nil {
		return false, err
	}
	if err := p.copySignatures(ctx); err != nil {
		return false, err
	}
	if err := p.checkDanglingReferences(); err != nil {
		return false, err
	}
	return p.usePack()
}

// checkDanglingReferences verifies that no record's delta basis points
// outside the new pack's own keyspace.
func (p *Packer) checkDanglingReferences() error {
	for _, stream := range pack.Streams {
		missing, err := p.newPack.Index(stream).ExternalCompressionReferences()
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			paths := make([]string, len(missing))
			for i, k := range missing {
				paths[i] = k.Path()
			}
			return &errs.DanglingReferences{Stream: stream, Keys: paths}
		}
	}
	return nil
}

func (p *Packer) copyRevisions(ctx context.Context) error {
	var filter []index.Key
	if p.revisionIDs != nil {
		for id := range p.revisionIDs {
			filter = append(filter, index.NewKey(id))
		}
	}
	p.revisionKeys = nil
	err := p.copyStream(ctx, pack.StreamRevisions, filter, func(entry index.Entry, _ []string) error {
		p.revisionKeys = append(p.revisionKeys, entry.Key)
		return nil
	}, false)
	if err != nil {
		return err
	}
	p.logger.Debug("revisions copied", zap.Int("count", len(p.revisionKeys)))
	return nil
}

func (p *Packer) copyInventories(ctx context.Context) error {
	// the inventory keyspace matches the revision keyspace; querying for
	// inventory keys separately could silently miss records
	var filter []index.Key
	if p.revisionIDs != nil {
		filter = p.revisionKeys
	}
	err := p.copyStream(ctx, pack.StreamInventories, filter, func(entry index.Entry, lines []string) error {
		return p.processInventory(entry.Key, lines)
	}, true)
	if err != nil {
		return err
	}

	if p.revisionIDs != nil {
		p.textFilter = make(map[string]index.Key)
		for s, key := range p.textRefs {
			if _, ok := p.revisionIDs[key.VersionID()]; ok {
				p.textFilter[s] = key
			}
		}
	}
	return nil
}

// collectTextRefs is the default inventory hook: harvest every text-key
// reference via the textual pattern scan.
func (p *Packer) collectTextRefs(_ index.Key, lines []string) error {
	refs, err := p.scanner.Scan(lines)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		key := index.NewKey(ref.ItemID, ref.VersionID)
		p.textRefs[key.String()] = key
	}
	return nil
}

func (p *Packer) copyTextsDefault(ctx context.Context) error {
	var filter []index.Key
	if p.textFilter != nil {
		filter = make([]index.Key, 0, len(p.textFilter))
		for _, key := range p.textFilter {
			filter = append(filter, key)
		}
		// a referenced text absent from every source is fatal, and the
		// error must name the missing key
		if err := p.checkTextsPresent(filter); err != nil {
			return err
		}
	}
	return p.copyStream(ctx, pack.StreamTexts, filter, nil, false)
}

func (p *Packer) checkTextsPresent(filter []index.Key) error {
	combined := pack.NewGroup(p.collection.Transport(), p.packs).CombinedIndex(pack.StreamTexts)
	for _, key := range filter {
		if _, _, err := combined.Get(key); err == errs.ErrKeyNotFound {
			return &errs.RevisionNotPresent{ItemID: key.ItemID(), VersionID: key.VersionID()}
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (p *Packer) copySignatures(ctx context.Context) error {
	// same keyspace as revisions; an unscoped pack copies all signatures
	var filter []index.Key
	if p.revisionIDs != nil {
		filter = p.revisionKeys
	}
	return p.copyStream(ctx, pack.StreamSignatures, filter, nil, false)
}

// copyStream copies one stream, with exactly one reload-and-retry if a
// source pack vanishes mid-read. The copy is idempotent across the retry:
// records already written are skipped.
func (p *Packer) copyStream(ctx context.Context, stream string, filter []index.Key,
	onRecord func(index.Entry, []string) error, decodeLines bool) error {

	operation := func() error {
		err := p.copyStreamOnce(ctx, stream, filter, onRecord, decodeLines)
		if err == nil {
			return nil
		}
		var vanished *errs.PackVanished
		if errors.As(err, &vanished) {
			p.logger.Warn("source pack vanished, reloading",
				zap.String("pack", vanished.Pack), zap.String("stream", stream))
			if rerr := p.reloadSources(); rerr != nil {
				return backoff.Permanent(rerr)
			}
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(operation, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1))
}

// reloadSources refreshes the source pack list after a concurrent repack.
// Sources that survived keep their place; if any vanished, the whole
// refreshed collection becomes the source list, since the replacement pack
// holds the vanished packs' records.
func (p *Packer) reloadSources() error {
	if err := p.collection.Reload(); err != nil {
		return err
	}
	var kept []*pack.Pack
	missing := false
	for _, src := range p.packs {
		if refreshed, ok := p.collection.GetPack(src.Name); ok {
			kept = append(kept, refreshed)
		} else {
			missing = true
		}
	}
	if missing {
		p.packs = p.collection.AllPacks()
	} else {
		p.packs = kept
	}
	return nil
}

type packGroup struct {
	pack  *pack.Pack
	nodes []index.Entry
}

// gather plans the read: collect the wanted entries from every source
// pack's index, drop keys already seen (identical records elide), group by
// source pack, sort each group by offset for a single linear scan, and
// reorder the source list so contributing packs come first.
func (p *Packer) gather(stream string, filter []index.Key) ([]packGroup, error) {
	seen := make(map[string]bool)
	// keys already copied (a retry after reload) are skipped too
	err := p.newPack.Index(stream).IterAllEntries(func(e index.Entry) error {
		seen[e.Key.String()] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	var groups []packGroup
	for _, src := range p.packs {
		var nodes []index.Entry
		collect := func(e index.Entry) error {
			if seen[e.Key.String()] {
				return nil
			}
			seen[e.Key.String()] = true
			nodes = append(nodes, e)
			return nil
		}
		ix := src.Index(stream)
		if filter == nil {
			err = ix.IterAllEntries(collect)
		} else {
			err = ix.IterEntries(filter, collect)
		}
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			continue
		}
		sort.Slice(nodes, func(i, j int) bool {
			_, oi, _, _ := nodes[i].Position()
			_, oj, _, _ := nodes[j].Position()
			return oi < oj
		})
		groups = append(groups, packGroup{pack: src, nodes: nodes})
	}

	// contributing packs first, so later streams scan them before the rest
	contributing := make(map[string]bool, len(groups))
	for _, g := range groups {
		contributing[g.pack.Name] = true
	}
	reordered := make([]*pack.Pack, 0, len(p.packs))
	for _, src := range p.packs {
		if contributing[src.Name] {
			reordered = append(reordered, src)
		}
	}
	for _, src := range p.packs {
		if !contributing[src.Name] {
			reordered = append(reordered, src)
		}
	}
	p.packs = reordered
	return groups, nil
}

func (p *Packer) copyStreamOnce(ctx context.Context, stream string, filter []index.Key,
	onRecord func(index.Entry, []string) error, decodeLines bool) error {

	groups, err := p.gather(stream, filter)
	if err != nil {
		return err
	}
	tp := p.collection.Transport()

	for _, group := range groups {
		ranges := make([]transport.Range, len(group.nodes))
		for i, node := range group.nodes {
			_, offset, length, err := node.Position()
			if err != nil {
				return err
			}
			ranges[i] = transport.Range{Offset: offset, Length: length}
		}

		// one batched read per source pack: round trips, not bytes, are
		// the dominant cost on high-latency transports
		p.readCalls++
		buffers, err := tp.ReadRanges(ctx, group.pack.BlobPath(), ranges)
		if err != nil {
			if !tp.Exists(group.pack.BlobPath()) {
				return &errs.PackVanished{Pack: group.pack.Name, Err: err}
			}
			return fmt.Errorf("reading pack %s: %w", group.pack.Name, err)
		}
		byOffset := make(map[int64][]byte, len(buffers))
		for _, buf := range buffers {
			byOffset[buf.Offset] = buf.Data
		}

		for _, node := range group.nodes {
			eol, offset, _, err := node.Position()
			if err != nil {
				return err
			}
			raw, ok := byOffset[offset]
			if !ok {
				return errs.Formatf("read of pack %s returned no data at offset %d",
					group.pack.Name, offset)
			}
			// records are copied verbatim, never re-encoded; the header
			// check catches index/blob disagreement cheaply
			header, err := p.codec.VerifyHeader(raw, node.Key)
			if err != nil {
				return err
			}

			var lines []string
			if decodeLines {
				_, payload, err := p.codec.Decode(raw)
				if err != nil {
					return err
				}
				if header.Kind == record.Fulltext {
					lines = record.DecodeLines(payload)
				} else {
					if lines, err = record.DeltaNewLines(payload); err != nil {
						return err
					}
				}
			}

			newOffset, newLength, err := p.newPack.AddRecord(raw)
			if err != nil {
				return err
			}
			err = p.newPack.Index(stream).AddNode(node.Key,
				index.FormatValue(eol, newOffset, newLength),
				node.Parents, node.CompressionParent)
			if err != nil {
				return err
			}
			if onRecord != nil {
				if err := onRecord(node, lines); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
