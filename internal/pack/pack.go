// Package pack manages immutable pack files: one append-only data blob plus
// four graph indices, one per stream (revisions, inventories, texts,
// signatures). Packs are created by writers and packers, registered with
// the collection, and never mutated afterwards.
package pack

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	errs "loom/internal/errors"
	"loom/internal/index"
	"loom/internal/transport"
)

// Stream names, in the order the packer processes them: each later stream's
// key filter derives from the previous one.
const (
	StreamRevisions   = "revisions"
	StreamInventories = "inventories"
	StreamTexts       = "texts"
	StreamSignatures  = "signatures"
)

// Streams lists all four in processing order.
var Streams = []string{StreamRevisions, StreamInventories, StreamTexts, StreamSignatures}

// Pack is an immutable committed pack.
type Pack struct {
	Name    string
	indices map[string]*index.GraphIndex
}

func newPackHandle(name string, store *index.Store) *Pack {
	p := &Pack{Name: name, indices: make(map[string]*index.GraphIndex, len(Streams))}
	for _, stream := range Streams {
		p.indices[stream] = store.Index(stream, name)
	}
	return p
}

// Index returns this pack's graph index for one stream.
func (p *Pack) Index(stream string) *index.GraphIndex {
	return p.indices[stream]
}

// FileName is the blob name relative to the packs directory.
func (p *Pack) FileName() string {
	return p.Name + ".pack"
}

// BlobPath is the blob name relative to the transport root.
func (p *Pack) BlobPath() string {
	return "packs/" + p.FileName()
}

// RevisionCount returns the number of revisions this pack holds.
func (p *Pack) RevisionCount() (int, error) {
	return p.indices[StreamRevisions].KeyCount()
}

// NewPack is a pack under construction. Its blob lives in the upload area
// until Finish renames it into the packs directory; Abort discards it.
type NewPack struct {
	Pack

	transport transport.Transport
	writer    transport.AppendWriter
	logger    *zap.Logger
	finished  bool
}

// CreatePack opens a new pack in the upload area. The name is random with
// an operation-identifying suffix.
func CreatePack(tp transport.Transport, store *index.Store, suffix string, logger *zap.Logger) (*NewPack, error) {
	name := uuid.New().String() + suffix
	writer, err := tp.OpenAppend("upload/" + name + ".pack")
	if err != nil {
		return nil, fmt.Errorf("opening upload pack %s: %w", name, err)
	}
	logger.Debug("opened new pack", zap.String("pack", name))
	return &NewPack{
		Pack:      *newPackHandle(name, store),
		transport: tp,
		writer:    writer,
		logger:    logger,
	}, nil
}

// UploadPath is the in-progress blob name relative to the transport root.
func (np *NewPack) UploadPath() string {
	return "upload/" + np.FileName()
}

// AddRecord appends raw record bytes to the blob and returns the byte range
// they occupy.
func (np *NewPack) AddRecord(raw []byte) (offset, length int64, err error) {
	offset = np.writer.Offset()
	if _, err := np.writer.Write(raw); err != nil {
		return 0, 0, fmt.Errorf("appending record to pack %s: %w", np.Name, err)
	}
	return offset, int64(len(raw)), nil
}

// DataInserted reports whether any bytes have been written.
func (np *NewPack) DataInserted() bool {
	return np.writer.Offset() > 0
}

// Finish seals the pack: the blob moves atomically from the upload area to
// the packs directory. Indices were written in place and become immutable
// from here on.
func (np *NewPack) Finish() error {
	if np.finished {
		return fmt.Errorf("pack %s already finished", np.Name)
	}
	if err := np.writer.Close(); err != nil {
		return fmt.Errorf("closing pack %s: %w", np.Name, err)
	}
	if err := np.transport.Rename(np.UploadPath(), np.BlobPath()); err != nil {
		return fmt.Errorf("committing pack %s: %w", np.Name, err)
	}
	np.finished = true
	np.logger.Debug("finished pack", zap.String("pack", np.Name))
	return nil
}

// Abort discards the pack: blob deleted, index entries dropped.
func (np *NewPack) Abort() error {
	if np.finished {
		return errs.Formatf("pack %s already finished, cannot abort", np.Name)
	}
	if err := np.writer.Close(); err != nil {
		return fmt.Errorf("closing pack %s: %w", np.Name, err)
	}
	if np.transport.Exists(np.UploadPath()) {
		if err := np.transport.Delete(np.UploadPath()); err != nil {
			return fmt.Errorf("deleting aborted pack %s: %w", np.Name, err)
		}
	}
	for _, stream := range Streams {
		if err := np.Index(stream).DropAll(); err != nil {
			return fmt.Errorf("dropping %s index of aborted pack %s: %w", stream, np.Name, err)
		}
	}
	np.logger.Debug("aborted pack", zap.String("pack", np.Name))
	return nil
}
