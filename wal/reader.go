package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/nexusbase/config"
)

// Record is one decoded (Key, Value) pair yielded by a Decoder.
type Record struct {
	Key   *Key
	Value *Value
}

// Decoder streams records out of a WAL file, transparently handling the
// v3/v2/pre-v2 header formats (spec.md §6). It is not safe for concurrent
// use.
type Decoder struct {
	r      *bufio.Reader
	file   ReadableFile
	cipher CipherModule
}

// OpenForRead opens path and returns a Decoder positioned at the first
// record, having resolved the header's cipher module (spec.md §4.A,
// "supplies a one-shot decrypt path for readback"). cryptoCfg supplies the
// key material the header itself never carries; it is ignored by ciphers
// (such as the null module) that don't need one.
func OpenForRead(store BlockStore, path string, cryptoCfg config.CryptoConfig) (*Decoder, error) {
	file, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: opening %s for read: %w", path, err)
	}

	raw := &readerAtSource{file: file}
	bufr := bufio.NewReaderSize(raw, 64*1024)

	resolved, err := readHeader(bufr)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: reading header of %s: %w", path, err)
	}

	bodyReader, err := resolved.Cipher.WrapReader(resolved.Body, resolved.Params, cryptoCfg)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: initializing cipher for read of %s: %w", path, err)
	}

	return &Decoder{r: bufio.NewReader(bodyReader), file: file, cipher: resolved.Cipher}, nil
}

// readerAtSource adapts a ReadableFile (io.ReaderAt) into a sequential
// io.Reader, since bufio.Reader needs Read, not ReadAt.
type readerAtSource struct {
	file ReadableFile
	off  int64
}

func (s *readerAtSource) Read(p []byte) (int, error) {
	n, err := s.file.ReadAt(p, s.off)
	s.off += int64(n)
	return n, err
}

// Next decodes the next record. It returns io.EOF when the stream is
// exhausted, and ErrTruncatedRecord if a record is cut short (spec.md §7:
// readers must not treat a short final record as a fatal error, though it
// is surfaced distinctly from a clean end-of-stream).
func (d *Decoder) Next() (*Record, error) {
	key, err := decodeKey(d.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedRecord
		}
		return nil, err
	}
	value, err := decodeValue(d.r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedRecord
		}
		return nil, err
	}
	return &Record{Key: key, Value: value}, nil
}

// Close releases the underlying file.
func (d *Decoder) Close() error {
	return d.file.Close()
}
