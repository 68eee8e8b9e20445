package kernel

import (
	"io"

	"github.com/pkg/errors"

	"github.com/sbsoftware/wasem/abi"
	"github.com/sbsoftware/wasem/vfs"
)

var (
	ErrUnknownFile = errors.New("unknown file descriptor")
	ErrNotReadable = errors.New("file not open for reading")
	ErrNotWritable = errors.New("file not open for writing")
)

// Standard descriptors.
const (
	Stdin  int32 = 0
	Stdout int32 = 1
	Stderr int32 = 2

	firstDynamic int32 = 3
)

// File is an open description a descriptor refers to.
type File struct {
	Path  string
	Flags int32

	r io.Reader
	w io.Writer
}

func (f *File) Reader() (io.Reader, bool) {
	if f.r == nil {
		return nil, false
	}

	return f.r, true
}

func (f *File) Writer() (io.Writer, bool) {
	if f.w == nil {
		return nil, false
	}

	return f.w, true
}

// FileTable maps descriptors to files. Descriptors 0 to 2 are the
// standard streams; open hands out the lowest free descriptor from 3 up.
type FileTable struct {
	ns    *vfs.Namespace
	files map[int32]*File
}

func NewFileTable(ns *vfs.Namespace, stdin io.Reader, stdout, stderr io.Writer) *FileTable {
	t := &FileTable{
		ns:    ns,
		files: make(map[int32]*File),
	}

	if stdin != nil {
		t.files[Stdin] = &File{Path: "/dev/stdin", r: stdin}
	}
	if stdout != nil {
		t.files[Stdout] = &File{Path: "/dev/stdout", w: stdout}
	}
	if stderr != nil {
		t.files[Stderr] = &File{Path: "/dev/stderr", w: stderr}
	}

	return t
}

// Open resolves path in the namespace and installs it. The path must
// fall under a mounted prefix; otherwise the error wraps vfs.ErrNotExist.
func (t *FileTable) Open(path string, flags int32) (int32, error) {
	if t.ns == nil {
		return -1, errors.Wrapf(vfs.ErrNotExist, "open %s: no namespace", path)
	}

	vf, err := t.ns.Open(path, flags)
	if err != nil {
		return -1, err
	}

	return t.Install(&File{Path: path, Flags: flags, r: vf, w: vf}), nil
}

// Install places f at the lowest unused descriptor >= 3.
func (t *FileTable) Install(f *File) int32 {
	fd := firstDynamic
	for {
		if _, ok := t.files[fd]; !ok {
			break
		}
		fd++
	}

	t.files[fd] = f
	return fd
}

func (t *FileTable) Get(fd int32) (*File, bool) {
	f, ok := t.files[fd]
	return f, ok
}

// Close drops fd. Closing an unknown descriptor is not an error.
func (t *FileTable) Close(fd int32) {
	delete(t.files, fd)
}

// Len is the number of open descriptors, standard streams included.
func (t *FileTable) Len() int {
	return len(t.files)
}

// Read reads up to n bytes from fd. End of file yields no bytes and no
// error.
func (t *FileTable) Read(fd int32, n int) ([]byte, error) {
	f, ok := t.files[fd]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFile, "read fd %d", fd)
	}

	r, ok := f.Reader()
	if !ok {
		return nil, errors.Wrapf(ErrNotReadable, "read fd %d", fd)
	}

	buf := make([]byte, n)

	got, err := r.Read(buf)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read fd %d", fd)
	}

	return buf[:got], nil
}

// Write writes all of b to fd.
func (t *FileTable) Write(fd int32, b []byte) error {
	f, ok := t.files[fd]
	if !ok {
		return errors.Wrapf(ErrUnknownFile, "write fd %d", fd)
	}

	w, ok := f.Writer()
	if !ok {
		return errors.Wrapf(ErrNotWritable, "write fd %d", fd)
	}

	if _, err := w.Write(b); err != nil {
		return errors.Wrapf(err, "write fd %d", fd)
	}

	return nil
}

// Fcntl applies cmd to fd. Only F_SETFD changes state: it ANDs the
// stored flags with arg.
func (t *FileTable) Fcntl(fd, cmd, arg int32) error {
	f, ok := t.files[fd]
	if !ok {
		return errors.Wrapf(ErrUnknownFile, "fcntl fd %d", fd)
	}

	if cmd == abi.F_SETFD {
		f.Flags &= arg
	}

	return nil
}
