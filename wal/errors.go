package wal

import "errors"

// Transient errors — recoverable by a caller-level retry; the WAL writer
// itself never retries these (spec.md §7 assigns that to the coordination
// cache's retry loop), but they are surfaced with a stable identity so a
// calling layer can distinguish them from terminal failures.
var (
	ErrConnectionLost       = errors.New("wal: connection lost")
	ErrOperationInterrupted = errors.New("wal: operation interrupted")
)

// Terminal-per-operation errors — surfaced on a specific call or OpHandle,
// the pipeline continues serving other producers.
var (
	// ErrLogClosed is returned by any append call made after close() has
	// been invoked, and recorded on every work item drained once closed.
	ErrLogClosed = errors.New("wal: log closed")
	// ErrUnknownEventTag is a fatal decode error: an event tag byte that
	// does not match one of the five enumerated tags.
	ErrUnknownEventTag = errors.New("wal: unknown event tag")
	// ErrCipherInit is returned when a named cipher module cannot be
	// resolved from the registry, or fails to initialize from its header
	// parameters.
	ErrCipherInit = errors.New("wal: cipher initialization failed")
	// ErrUTFTooLong is returned when a string exceeds the 65535-byte
	// encoded length the key codec's length-prefix can represent.
	ErrUTFTooLong = errors.New("wal: string exceeds encodable length")
	// ErrTruncatedRecord indicates a record was cut short, e.g. a crash
	// mid-append; readers treat this as end-of-log, not a fatal error.
	ErrTruncatedRecord = errors.New("wal: truncated record")
)
