package source

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// Source is the serialized byte source of an open container.
type Source struct {
	mu     sync.Mutex
	r      io.ReaderAt
	size   int64
	closer io.Closer
	name   string
	reads  atomic.Int64
}

// Open opens path, memory-mapping it when useMmap is set.
func Open(path string, useMmap bool) (*Source, error) {
	if useMmap {
		m, err := mmap.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "mmap %s", path)
		}
		return &Source{r: m, size: int64(m.Len()), closer: m, name: path}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	return &Source{r: f, size: fi.Size(), closer: f, name: path}, nil
}

// New wraps an existing reader of the given size. Close does not close r.
func New(r io.ReaderAt, size int64, name string) *Source {
	return &Source{r: r, size: size, name: name}
}

// Name returns the path or label the source was opened with.
func (s *Source) Name() string {
	return s.name
}

// Size returns the total number of bytes available.
func (s *Source) Size() int64 {
	return s.size
}

// Reads returns the number of physical reads issued so far.
func (s *Source) Reads() int64 {
	return s.reads.Load()
}

// ReadAt implements io.ReaderAt with every call serialized.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads.Add(1)
	return s.r.ReadAt(p, off)
}

// ReadBlock reads up to n bytes at off. A read that runs past the end of the
// source returns the bytes that exist; callers detect short blocks.
func (s *Source) ReadBlock(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 {
		return nil, errors.Errorf("read of %d bytes at %d", n, off)
	}
	if off >= s.size {
		return nil, errors.Errorf("read at %d past end of %s (%d bytes)", off, s.name, s.size)
	}
	if off+n > s.size {
		n = s.size - off
	}
	buf := make([]byte, n)
	got, err := s.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && int64(got) == n) {
		return buf[:got], errors.Wrapf(err, "read %d bytes at %d", n, off)
	}
	return buf, nil
}

// Close releases the underlying handle when the source owns it.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
