// Package vfs is the virtual file namespace behind dynamically opened
// descriptors. Paths resolve by prefix against mounted sources; the
// content of a file is snapshotted when it is opened and never written
// back.
package vfs

import (
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// DocumentPath is where the host document is mounted by DefaultNamespace.
const DocumentPath = "/dev/document/html"

var ErrNotExist = errors.New("no such file in namespace")

// Source produces the content of a file. rel is the part of the opened
// path that follows the mount prefix.
type Source interface {
	Contents(rel string) ([]byte, error)
}

type mount struct {
	prefix string
	src    Source
}

// Namespace maps path prefixes to sources. It is safe for concurrent
// use; one namespace may back several instances.
type Namespace struct {
	mu     sync.RWMutex
	mounts []mount
}

func NewNamespace() *Namespace {
	return &Namespace{}
}

// DefaultNamespace mounts doc at DocumentPath.
func DefaultNamespace(doc func() (string, error)) *Namespace {
	ns := NewNamespace()
	ns.Mount(DocumentPath, Document(doc))
	return ns
}

// Mount binds src to every path starting with prefix. Mounting the same
// prefix again replaces the source.
func (n *Namespace) Mount(prefix string, src Source) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, m := range n.mounts {
		if m.prefix == prefix {
			n.mounts[i].src = src
			return
		}
	}

	n.mounts = append(n.mounts, mount{prefix: prefix, src: src})

	// Longest prefix first.
	sort.SliceStable(n.mounts, func(i, j int) bool {
		return len(n.mounts[i].prefix) > len(n.mounts[j].prefix)
	})
}

// Prefixes returns the mounted prefixes, longest first.
func (n *Namespace) Prefixes() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]string, len(n.mounts))
	for i, m := range n.mounts {
		out[i] = m.prefix
	}
	return out
}

func (n *Namespace) lookup(path string) (mount, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, m := range n.mounts {
		if strings.HasPrefix(path, m.prefix) {
			return m, true
		}
	}

	return mount{}, false
}

// Match reports whether path falls under a mounted prefix.
func (n *Namespace) Match(path string) bool {
	_, ok := n.lookup(path)
	return ok
}

// Open resolves path and snapshots its content.
func (n *Namespace) Open(path string, flags int32) (*File, error) {
	m, ok := n.lookup(path)
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "open %s", path)
	}

	data, err := m.src.Contents(strings.TrimPrefix(path, m.prefix))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	return &File{Path: path, Flags: flags, data: data}, nil
}

// File is an open snapshot. Reads advance a cursor by the bytes
// returned; writes are accepted and dropped.
type File struct {
	Path  string
	Flags int32

	data []byte
	off  int
}

func (f *File) Read(p []byte) (int, error) {
	if f.off >= len(f.data) {
		return 0, io.EOF
	}

	n := copy(p, f.data[f.off:])
	f.off += n
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	return len(p), nil
}

// Offset is the read cursor.
func (f *File) Offset() int {
	return f.off
}

// Size is the length of the snapshot.
func (f *File) Size() int {
	return len(f.data)
}

type bytesSource []byte

// Bytes serves b at the mount point itself; longer paths under the
// prefix open as empty files.
func Bytes(b []byte) Source {
	return bytesSource(b)
}

// String is Bytes for a string.
func String(s string) Source {
	return bytesSource(s)
}

func (b bytesSource) Contents(rel string) ([]byte, error) {
	if rel != "" {
		return nil, nil
	}
	return []byte(b), nil
}

type documentSource func() (string, error)

// Document renders fn at every open of the mount point. Like Bytes,
// other paths under the prefix are empty.
func Document(fn func() (string, error)) Source {
	return documentSource(fn)
}

func (d documentSource) Contents(rel string) ([]byte, error) {
	if rel != "" {
		return nil, nil
	}

	s, err := d()
	if err != nil {
		return nil, errors.Wrap(err, "render document")
	}

	return []byte(s), nil
}

// DefaultCacheSize is the number of file contents kept by FS.
const DefaultCacheSize = 128

type fsSource struct {
	fsys  fs.FS
	cache *lru.ARCCache
}

// FS serves the files of fsys below the mount prefix. Contents are read
// once and kept in an ARC cache; the tree is assumed not to change.
func FS(fsys fs.FS) Source {
	cache, err := lru.NewARC(DefaultCacheSize)
	if err != nil {
		panic(err)
	}

	return &fsSource{fsys: fsys, cache: cache}
}

func (s *fsSource) Contents(rel string) ([]byte, error) {
	name := strings.Trim(rel, "/")
	if name == "" {
		name = "."
	}

	if val, ok := s.cache.Get(name); ok {
		return val.([]byte), nil
	}

	if !fs.ValidPath(name) {
		return nil, errors.Wrapf(ErrNotExist, "invalid path %q", rel)
	}

	data, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotExist, "%s", name)
		}
		return nil, err
	}

	s.cache.Add(name, data)

	return data, nil
}
