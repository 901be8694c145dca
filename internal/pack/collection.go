package pack

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	errs "loom/internal/errors"
	"loom/internal/index"
	"loom/internal/transport"
)

const namesFile = "pack-names"

// RecordSource is anything records can be read back from: the whole
// collection, or a fixed group of source packs during a packing run.
type RecordSource interface {
	CombinedIndex(stream string) *index.Combined
	ReadRecord(ctx context.Context, stream string, key index.Key) ([]byte, index.Entry, error)
}

type manifestEntry struct {
	Name          string `json:"name"`
	RevisionCount int    `json:"revision_count"`
}

type manifest struct {
	Packs []manifestEntry `json:"packs"`
}

// Collection owns the visible set of committed packs plus at most one pack
// under construction. Combined index views are caches, rebuilt whenever the
// pack set changes.
type Collection struct {
	mu     sync.RWMutex
	tp     transport.Transport
	store  *index.Store
	logger *zap.Logger

	packs    map[string]*Pack
	newPack  *NewPack
	combined map[string]*index.Combined

	watcher *fsnotify.Watcher
	stale   atomic.Bool
}

// Open loads the collection from the pack-names manifest. A missing
// manifest means an empty repository.
func Open(tp transport.Transport, store *index.Store, logger *zap.Logger) (*Collection, error) {
	c := &Collection{
		tp:       tp,
		store:    store,
		logger:   logger,
		packs:    make(map[string]*Pack),
		combined: make(map[string]*index.Combined),
	}
	if err := c.loadNames(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection) loadNames() error {
	packs := make(map[string]*Pack)
	if c.tp.Exists(namesFile) {
		data, err := c.tp.Get(namesFile)
		if err != nil {
			return fmt.Errorf("reading pack names: %w", err)
		}
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decoding pack names: %w", err)
		}
		for _, e := range m.Packs {
			packs[e.Name] = newPackHandle(e.Name, c.store)
		}
	}
	c.packs = packs
	c.combined = make(map[string]*index.Combined)
	return nil
}

func (c *Collection) saveNames() error {
	var m manifest
	for _, name := range c.names() {
		count, err := c.packs[name].RevisionCount()
		if err != nil {
			return err
		}
		m.Packs = append(m.Packs, manifestEntry{Name: name, RevisionCount: count})
	}
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pack names: %w", err)
	}
	if err := c.tp.Put(namesFile, append(data, '\n')); err != nil {
		return fmt.Errorf("writing pack names: %w", err)
	}
	return nil
}

func (c *Collection) names() []string {
	names := make([]string, 0, len(c.packs))
	for name := range c.packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transport returns the transport the collection stores blobs through.
func (c *Collection) Transport() transport.Transport { return c.tp }

// Store returns the index store backing every pack index.
func (c *Collection) Store() *index.Store { return c.store }

// Names returns the committed pack names, sorted.
func (c *Collection) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names()
}

// AllPacks returns the committed packs in name order.
func (c *Collection) AllPacks() []*Pack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	packs := make([]*Pack, 0, len(c.packs))
	for _, name := range c.names() {
		packs = append(packs, c.packs[name])
	}
	return packs
}

// GetPack finds a committed pack by name.
func (c *Collection) GetPack(name string) (*Pack, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.packs[name]
	return p, ok
}

// CombinedIndex returns the merged view of one stream across every
// committed pack plus the in-progress pack, if any. The view is cached
// until the pack set changes.
func (c *Collection) CombinedIndex(stream string) *index.Combined {
	c.mu.Lock()
	defer c.mu.Unlock()
	if combined, ok := c.combined[stream]; ok {
		return combined
	}
	var indices []*index.GraphIndex
	if c.newPack != nil {
		indices = append(indices, c.newPack.Index(stream))
	}
	for _, name := range c.names() {
		indices = append(indices, c.packs[name].Index(stream))
	}
	combined := index.NewCombined(indices)
	c.combined[stream] = combined
	return combined
}

// invalidate drops the cached combined views. Callers hold c.mu.
func (c *Collection) invalidate() {
	c.combined = make(map[string]*index.Combined)
}

// StartWriteGroup opens the single in-progress pack. Requires the
// repository write lock.
func (c *Collection) StartWriteGroup() (*NewPack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.newPack != nil {
		return nil, errs.ErrWriteGroupActive
	}
	np, err := CreatePack(c.tp, c.store, "", c.logger)
	if err != nil {
		return nil, err
	}
	c.newPack = np
	c.invalidate()
	return np, nil
}

// WritePack returns the in-progress pack.
func (c *Collection) WritePack() (*NewPack, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.newPack == nil {
		return nil, errs.ErrNoWriteGroup
	}
	return c.newPack, nil
}

// InProgress reports whether a write group is open.
func (c *Collection) InProgress() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.newPack != nil
}

// CommitWriteGroup seals the in-progress pack and makes it visible. An
// empty pack is discarded silently.
func (c *Collection) CommitWriteGroup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.newPack == nil {
		return errs.ErrNoWriteGroup
	}
	np := c.newPack
	c.newPack = nil
	c.invalidate()
	if !np.DataInserted() {
		return np.Abort()
	}
	if err := np.Finish(); err != nil {
		return err
	}
	c.packs[np.Name] = newPackHandle(np.Name, c.store)
	return c.saveNames()
}

// AbortWriteGroup discards the in-progress pack.
func (c *Collection) AbortWriteGroup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.newPack == nil {
		return errs.ErrNoWriteGroup
	}
	np := c.newPack
	c.newPack = nil
	c.invalidate()
	return np.Abort()
}

// Allocate registers a pack just finished by a packer. The swap of the
// visible set is atomic from a reader's point of view: readers hold the
// collection lock while resolving a combined view.
func (c *Collection) Allocate(np *NewPack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.packs[np.Name]; ok {
		return fmt.Errorf("pack %s already allocated", np.Name)
	}
	c.packs[np.Name] = newPackHandle(np.Name, c.store)
	c.invalidate()
	return c.saveNames()
}

// ReplacePacks removes consolidated source packs from the visible set and
// sidelines their blobs into obsolete_packs for external garbage
// collection. Their index entries are dropped immediately.
func (c *Collection) ReplacePacks(removed []*Pack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range removed {
		delete(c.packs, p.Name)
	}
	c.invalidate()
	if err := c.saveNames(); err != nil {
		return err
	}
	for _, p := range removed {
		if err := c.tp.Rename(p.BlobPath(), "obsolete_packs/"+p.FileName()); err != nil {
			return fmt.Errorf("obsoleting pack %s: %w", p.Name, err)
		}
		for _, stream := range Streams {
			if err := p.Index(stream).DropAll(); err != nil {
				return fmt.Errorf("dropping %s index of pack %s: %w", stream, p.Name, err)
			}
		}
	}
	return nil
}

// Reload re-reads the pack-names manifest, refreshing the visible set after
// another process repacked underneath us.
func (c *Collection) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale.Store(false)
	return c.loadNames()
}

// Stale reports whether the manifest changed on disk since the last load.
// Only meaningful when a watcher is attached.
func (c *Collection) Stale() bool {
	return c.stale.Load()
}

// Watch attaches a filesystem watcher to the control directory so that an
// external repack flips Stale. Close releases it.
func (c *Collection) Watch(controlDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(controlDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", controlDir, err)
	}
	c.watcher = watcher
	go func() {
		for event := range watcher.Events {
			if filepath.Base(event.Name) == namesFile {
				c.stale.Store(true)
			}
		}
	}()
	return nil
}

// Close releases the watcher, if any.
func (c *Collection) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// ReadRecord fetches one record's raw bytes through the combined view.
func (c *Collection) ReadRecord(ctx context.Context, stream string, key index.Key) ([]byte, index.Entry, error) {
	entry, src, err := c.CombinedIndex(stream).Get(key)
	if err != nil {
		return nil, index.Entry{}, err
	}
	blob := "packs/" + src.Pack() + ".pack"
	c.mu.RLock()
	if c.newPack != nil && src.Pack() == c.newPack.Name {
		blob = c.newPack.UploadPath()
	}
	c.mu.RUnlock()
	raw, err := readSingle(ctx, c.tp, blob, entry)
	return raw, entry, err
}

func readSingle(ctx context.Context, tp transport.Transport, blob string, entry index.Entry) ([]byte, error) {
	_, offset, length, err := entry.Position()
	if err != nil {
		return nil, err
	}
	bufs, err := tp.ReadRanges(ctx, blob, []transport.Range{{Offset: offset, Length: length}})
	if err != nil {
		return nil, err
	}
	if len(bufs) != 1 {
		return nil, errs.Formatf("expected one buffer reading %s, got %d", blob, len(bufs))
	}
	return bufs[0].Data, nil
}

// uploadSource reads records back out of a pack still under construction.
type uploadSource struct {
	np *NewPack
}

// RecordSource returns a read view over this in-progress pack. Appends are
// unbuffered, so records already added are readable.
func (np *NewPack) RecordSource() RecordSource {
	return &uploadSource{np: np}
}

func (u *uploadSource) CombinedIndex(stream string) *index.Combined {
	return index.NewCombined([]*index.GraphIndex{u.np.Index(stream)})
}

func (u *uploadSource) ReadRecord(ctx context.Context, stream string, key index.Key) ([]byte, index.Entry, error) {
	entry, _, err := u.CombinedIndex(stream).Get(key)
	if err != nil {
		return nil, index.Entry{}, err
	}
	raw, err := readSingle(ctx, u.np.transport, u.np.UploadPath(), entry)
	return raw, entry, err
}

// Group is a fixed set of source packs a packer reads from.
type Group struct {
	tp    transport.Transport
	packs []*Pack
}

func NewGroup(tp transport.Transport, packs []*Pack) *Group {
	return &Group{tp: tp, packs: packs}
}

// Packs returns the group members in their current order.
func (g *Group) Packs() []*Pack { return g.packs }

func (g *Group) CombinedIndex(stream string) *index.Combined {
	indices := make([]*index.GraphIndex, len(g.packs))
	for i, p := range g.packs {
		indices[i] = p.Index(stream)
	}
	return index.NewCombined(indices)
}

func (g *Group) ReadRecord(ctx context.Context, stream string, key index.Key) ([]byte, index.Entry, error) {
	entry, src, err := g.CombinedIndex(stream).Get(key)
	if err != nil {
		return nil, index.Entry{}, err
	}
	raw, err := readSingle(ctx, g.tp, "packs/"+src.Pack()+".pack", entry)
	return raw, entry, err
}
