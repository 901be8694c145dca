package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
)

// Local is a Transport over a directory tree.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating transport root: %w", err)
	}
	return &Local{root: root}, nil
}

// Root returns the directory this transport is rooted at.
func (l *Local) Root() string { return l.root }

func (l *Local) path(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name))
}

type localAppend struct {
	f      *os.File
	offset int64
}

func (w *localAppend) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.offset += int64(n)
	return n, err
}

func (w *localAppend) Offset() int64 { return w.offset }

func (w *localAppend) Close() error { return w.f.Close() }

func (l *Local) OpenAppend(name string) (AppendWriter, error) {
	path := l.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s for append: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	return &localAppend{f: f, offset: info.Size()}, nil
}

func (l *Local) ReadRanges(ctx context.Context, name string, ranges []Range) ([]Buffer, error) {
	f, err := os.Open(l.path(name))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	buffers := make([]Buffer, 0, len(ranges))
	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := make([]byte, r.Length)
		n, err := f.ReadAt(data, r.Offset)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading %s at %d: %w", name, r.Offset, err)
		}
		if int64(n) < r.Length {
			// a range past EOF means the index and the blob disagree
			return nil, fmt.Errorf("reading %s at %d: got %d of %d bytes: %w",
				name, r.Offset, n, r.Length, io.ErrUnexpectedEOF)
		}
		buffers = append(buffers, Buffer{Offset: r.Offset, Data: data})
	}
	return buffers, nil
}

func (l *Local) Put(name string, data []byte) error {
	path := l.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	return renameio.WriteFile(path, data, 0644)
}

func (l *Local) Get(name string) ([]byte, error) {
	return os.ReadFile(l.path(name))
}

func (l *Local) Rename(oldName, newName string) error {
	target := l.path(newName)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}
	return os.Rename(l.path(oldName), target)
}

func (l *Local) Delete(name string) error {
	return os.Remove(l.path(name))
}

func (l *Local) Exists(name string) bool {
	_, err := os.Stat(l.path(name))
	return err == nil
}

func (l *Local) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(l.path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
