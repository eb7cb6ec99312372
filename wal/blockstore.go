package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusbase/sys"
)

// BlockStore is the "replicating distributed file system" spec.md §4.A
// leaves as an external interface. It is the lowest leaf of the WAL
// writer's dependency chain (spec.md §2, component A).
type BlockStore interface {
	// Create opens path for append-only writing with the given replication
	// factor and block size. A replication or blockSize of 0 means "use
	// the store's default for this path".
	Create(path string, replication int, blockSize int64) (SinkFile, error)
	// Open opens path for random positional reads.
	Open(path string) (ReadableFile, error)
	// DefaultReplication answers the store's default replica count for a
	// path, used when the caller passes 0 (spec.md §6).
	DefaultReplication(path string) uint16
	// DefaultBlockSize answers the store's default block size.
	DefaultBlockSize() uint64
}

// SinkFile is an appendable byte stream with two distinct durability
// primitives, matching spec.md §4.A: FlushToPeers ("data leaves this
// process") and SyncToDisk ("data persists on every replica's storage
// medium"). The sink is single-writer; serialization across concurrent
// appenders is the WAL writer's job (spec.md §4.A, last sentence), not
// this layer's.
type SinkFile interface {
	io.Writer
	// FlushToPeers pushes buffered bytes out of this process.
	FlushToPeers() error
	// SyncToDisk durably persists previously-flushed bytes on every
	// replica's storage medium. This is the strongest primitive the
	// store offers (spec.md §9, "Open question — sync primitive choice").
	SyncToDisk() error
	Close() error
}

// ReadableFile supports the random positional reads spec.md §4.A requires
// of a reader.
type ReadableFile interface {
	io.ReaderAt
	Size() (int64, error)
	Close() error
}

// LocalBlockStore is the concrete BlockStore this module ships so the WAL
// writer is runnable without a real Hadoop-style DFS (SPEC_FULL.md §7). It
// fans every append out to N replica subdirectories on the local
// filesystem, using sys.FileHandle for each replica.
//
// This is explicitly a local stand-in: "push to peers" here means
// "reaches every replica file's OS buffer", and "sync to disk" means
// "fsync on every replica file" — the strongest pair of primitives a
// local filesystem can offer, matching the degraded-guarantee language
// in spec.md §9 for stores that only offer the weaker primitive.
type LocalBlockStore struct {
	rootDir     string
	replication uint16
	blockSize   uint64
}

// NewLocalBlockStore creates a store rooted at dir. defaultReplication and
// defaultBlockSize answer DefaultReplication/DefaultBlockSize when the
// caller passes 0 to Create.
func NewLocalBlockStore(dir string, defaultReplication uint16, defaultBlockSize uint64) *LocalBlockStore {
	if defaultReplication == 0 {
		defaultReplication = 1
	}
	return &LocalBlockStore{rootDir: dir, replication: defaultReplication, blockSize: defaultBlockSize}
}

func (s *LocalBlockStore) DefaultReplication(path string) uint16 { return s.replication }
func (s *LocalBlockStore) DefaultBlockSize() uint64              { return s.blockSize }

func (s *LocalBlockStore) replicaDir(path string, replica int) string {
	return filepath.Join(s.rootDir, fmt.Sprintf("replica-%d", replica), path)
}

// Create implements BlockStore. It passes blockSize to sys.Preallocate for
// every replica; the handles sys.OpenFile returns do not expose a file
// descriptor, so sys.Preallocate reserves no space and the replica files
// are created without preallocation.
func (s *LocalBlockStore) Create(path string, replication int, blockSize int64) (SinkFile, error) {
	if replication <= 0 {
		replication = int(s.replication)
	}
	if blockSize <= 0 {
		blockSize = int64(s.blockSize)
	}

	// A WAL file's lifetime is bounded by a single writer session
	// (spec.md §3); guard against two processes racing to create the
	// same path with a non-blocking lock on the primary replica. The lock
	// file sits beside the primary replica, so its directory must exist first.
	primary := s.replicaDir(path, 0)
	if err := os.MkdirAll(filepath.Dir(primary), 0755); err != nil {
		return nil, fmt.Errorf("wal: create replica dir for %s: %w", path, err)
	}
	release, err := sys.AcquireFileLock(primary, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("wal: acquiring write lock for %s: %w", path, err)
	}

	handles := make([]sys.FileHandle, 0, replication)
	writers := make([]*bufio.Writer, 0, replication)
	for i := 0; i < replication; i++ {
		full := s.replicaDir(path, i)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			closeAll(handles)
			_ = release()
			return nil, fmt.Errorf("wal: create replica dir for %s: %w", path, err)
		}
		fh, err := sys.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			closeAll(handles)
			_ = release()
			return nil, fmt.Errorf("wal: create replica %d of %s: %w", i, path, err)
		}
		if blockSize > 0 {
			if err := sys.Preallocate(fh, blockSize); err != nil && err != sys.ErrPreallocNotSupported {
				// Preallocation failure is not fatal: it is a hint, not a guarantee.
				_ = err
			}
		}
		handles = append(handles, fh)
		writers = append(writers, bufio.NewWriter(fh))
	}

	return &localSinkFile{handles: handles, writers: writers, path: path, release: release}, nil
}

func (s *LocalBlockStore) Open(path string) (ReadableFile, error) {
	full := s.replicaDir(path, 0)
	fh, err := sys.OpenFile(full, os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s for read: %w", path, err)
	}
	return &localReadableFile{handle: fh}, nil
}

func closeAll(handles []sys.FileHandle) {
	for _, h := range handles {
		_ = h.Close()
	}
}

type localSinkFile struct {
	handles []sys.FileHandle
	writers []*bufio.Writer
	path    string
	release func() error
}

func (f *localSinkFile) Write(p []byte) (int, error) {
	for i, w := range f.writers {
		if _, err := w.Write(p); err != nil {
			return 0, fmt.Errorf("wal: append to replica %d of %s: %w", i, f.path, err)
		}
	}
	return len(p), nil
}

func (f *localSinkFile) FlushToPeers() error {
	for i, w := range f.writers {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("wal: flush replica %d of %s: %w", i, f.path, err)
		}
	}
	return nil
}

func (f *localSinkFile) SyncToDisk() error {
	if err := f.FlushToPeers(); err != nil {
		return err
	}
	for i, h := range f.handles {
		if err := h.Sync(); err != nil {
			return fmt.Errorf("wal: fsync replica %d of %s: %w", i, f.path, err)
		}
	}
	return nil
}

func (f *localSinkFile) Close() error {
	var firstErr error
	for i, w := range f.writers {
		if err := w.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("wal: final flush replica %d of %s: %w", i, f.path, err)
		}
	}
	for i, h := range f.handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("wal: close replica %d of %s: %w", i, f.path, err)
		}
	}
	if f.release != nil {
		if err := f.release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("wal: releasing write lock for %s: %w", f.path, err)
		}
	}
	return firstErr
}

type localReadableFile struct {
	handle sys.FileHandle
}

func (f *localReadableFile) ReadAt(p []byte, off int64) (int, error) {
	return f.handle.ReadAt(p, off)
}

func (f *localReadableFile) Size() (int64, error) {
	info, err := f.handle.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *localReadableFile) Close() error {
	return f.handle.Close()
}
