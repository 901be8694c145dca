// Package repo is the repository facade: it owns the control directory,
// the write lock, the pack collection and the four record stores, and
// exposes the maintenance operations (pack, autopack, reconcile).
package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"loom/internal/config"
	errs "loom/internal/errors"
	"loom/internal/index"
	"loom/internal/knit"
	"loom/internal/pack"
	"loom/internal/packer"
	"loom/internal/record"
	"loom/internal/transport"
)

// ControlDirName is the repository control directory under the work tree.
const ControlDirName = ".loom"

const (
	formatFile = "format.json"
	lockFile   = "lock"
	indicesDir = "indices"
)

// Repository binds together everything under one control directory.
type Repository struct {
	controlDir string
	format     *config.Format
	logger     *zap.Logger

	tp         *transport.Local
	store      *index.Store
	collection *pack.Collection

	revisions   *knit.Store
	inventories *knit.Store
	texts       *knit.Store
	signatures  *knit.Store

	mu     sync.Mutex
	locked bool
}

// Init creates a new repository under root and opens it.
func Init(root string, format *config.Format, logger *zap.Logger) (*Repository, error) {
	controlDir := filepath.Join(root, ControlDirName)
	if _, err := os.Stat(controlDir); err == nil {
		return nil, fmt.Errorf("repository already exists at %s", controlDir)
	}
	for _, dir := range []string{"packs", "upload", "obsolete_packs", indicesDir} {
		if err := os.MkdirAll(filepath.Join(controlDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := format.Save(filepath.Join(controlDir, formatFile)); err != nil {
		return nil, err
	}
	return Open(root, logger)
}

// Open opens an existing repository under root.
func Open(root string, logger *zap.Logger) (*Repository, error) {
	controlDir := filepath.Join(root, ControlDirName)
	format, err := config.Load(filepath.Join(controlDir, formatFile))
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", root, err)
	}

	tp, err := transport.NewLocal(controlDir)
	if err != nil {
		return nil, err
	}
	store, err := index.Open(filepath.Join(controlDir, indicesDir))
	if err != nil {
		return nil, err
	}
	collection, err := pack.Open(tp, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := collection.Watch(controlDir); err != nil {
		logger.Warn("manifest watcher unavailable", zap.Error(err))
	}

	r := &Repository{
		controlDir: controlDir,
		format:     format,
		logger:     logger,
		tp:         tp,
		store:      store,
		collection: collection,
	}
	if err := r.openStores(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) openStores() error {
	codec, err := record.NewCodec()
	if err != nil {
		return err
	}
	sink := r.collection.WritePack
	limits := map[string]int{
		pack.StreamRevisions:   0,
		pack.StreamInventories: r.format.InventoryChainLimit,
		pack.StreamTexts:       r.format.TextChainLimit,
		pack.StreamSignatures:  0,
	}
	stores := make(map[string]*knit.Store, len(pack.Streams))
	for _, stream := range pack.Streams {
		s, err := knit.New(stream, r.collection, sink, codec, limits[stream], r.logger)
		if err != nil {
			return err
		}
		stores[stream] = s
	}
	r.revisions = stores[pack.StreamRevisions]
	r.inventories = stores[pack.StreamInventories]
	r.texts = stores[pack.StreamTexts]
	r.signatures = stores[pack.StreamSignatures]
	return nil
}

// Format returns the repository format configuration.
func (r *Repository) Format() *config.Format { return r.format }

// Collection returns the pack collection.
func (r *Repository) Collection() *pack.Collection { return r.collection }

// Revisions is the revision store; every record is a fulltext.
func (r *Repository) Revisions() *knit.Store { return r.revisions }

// Inventories is the inventory store.
func (r *Repository) Inventories() *knit.Store { return r.inventories }

// Texts is the file-text store.
func (r *Repository) Texts() *knit.Store { return r.texts }

// Signatures is the revision-signature store; every record is a fulltext.
func (r *Repository) Signatures() *knit.Store { return r.signatures }

// LockWrite takes the repository write lock. The lock is a control-dir
// file created exclusively, so it excludes other processes too.
func (r *Repository) LockWrite() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return errs.ErrRepositoryLocked
	}
	f, err := os.OpenFile(filepath.Join(r.controlDir, lockFile),
		os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return errs.ErrRepositoryLocked
		}
		return fmt.Errorf("taking write lock: %w", err)
	}
	f.Close()
	r.locked = true
	return nil
}

// Unlock releases the write lock.
func (r *Repository) Unlock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.locked {
		return nil
	}
	r.locked = false
	return os.Remove(filepath.Join(r.controlDir, lockFile))
}

func (r *Repository) isLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// BeginWriteGroup opens the single in-progress pack. Requires the write
// lock.
func (r *Repository) BeginWriteGroup() error {
	if !r.isLocked() {
		return errs.ErrRepositoryLocked
	}
	_, err := r.collection.StartWriteGroup()
	return err
}

// CommitWriteGroup seals the in-progress pack and autopacks if the pack
// count crossed the threshold.
func (r *Repository) CommitWriteGroup(ctx context.Context) error {
	if err := r.collection.CommitWriteGroup(); err != nil {
		return err
	}
	_, err := packer.Autopack(ctx, r.collection, r.logger)
	return err
}

// AbortWriteGroup discards the in-progress pack.
func (r *Repository) AbortWriteGroup() error {
	return r.collection.AbortWriteGroup()
}

// Pack consolidates the whole repository into a single pack.
func (r *Repository) Pack(ctx context.Context) error {
	if !r.isLocked() {
		return errs.ErrRepositoryLocked
	}
	return packer.PackAll(ctx, r.collection, r.logger)
}

// Autopack consolidates incrementally if the pack count warrants it.
func (r *Repository) Autopack(ctx context.Context) (bool, error) {
	if !r.isLocked() {
		return false, errs.ErrRepositoryLocked
	}
	return packer.Autopack(ctx, r.collection, r.logger)
}

// Reconcile repairs text records whose parent pointers disagree with the
// revision ancestry. Returns true when corrections were committed.
func (r *Repository) Reconcile(ctx context.Context) (bool, error) {
	if !r.isLocked() {
		return false, errs.ErrRepositoryLocked
	}
	return packer.Reconcile(ctx, r.collection, r.logger)
}

// Close releases the lock if held and shuts the collection and index store
// down.
func (r *Repository) Close() error {
	if err := r.Unlock(); err != nil {
		r.logger.Warn("releasing write lock", zap.Error(err))
	}
	if r.collection != nil {
		if r.collection.InProgress() {
			if err := r.collection.AbortWriteGroup(); err != nil {
				r.logger.Warn("aborting write group on close", zap.Error(err))
			}
		}
		if err := r.collection.Close(); err != nil {
			return err
		}
	}
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}
