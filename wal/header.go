package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Header magic strings, spec.md §6 "on-disk format":
//
//	offset 0:          ASCII magic "--- Log File Header (v3) ---"
//	                   OR legacy "--- Log File Header (v2) ---"
//	v3:                utf8 cipher-module name
//	                   cipher-module-specific header bytes
//	v2 (null cipher):  u32 0  (empty option map)
//	v2 (default):      u32 n, n × { utf8 key, utf8 value } options
//	                   default-cipher-specific header bytes
//	pre-v2:            no magic; bytes begin directly — reader must rewind
const (
	magicV3 = "--- Log File Header (v3) ---"
	magicV2 = "--- Log File Header (v2) ---"
)

// writeHeaderV3 writes the current header format: magic, cipher module
// name, then the module's own header parameters length-prefixed so a
// reader can skip them without understanding the module.
func writeHeaderV3(w *bufio.Writer, cipherName string, params []byte) error {
	if _, err := w.WriteString(magicV3); err != nil {
		return err
	}
	if err := writeUTF(w, cipherName); err != nil {
		return err
	}
	return writeBlob(w, params)
}

// resolvedHeader is what readHeader hands back to the caller: the cipher
// module to use for the remainder of the stream, its header parameters,
// and a reader positioned exactly at the first encoded record.
type resolvedHeader struct {
	Cipher CipherModule
	Params []byte
	Body   io.Reader
}

// readHeader implements the v3/v2/pre-v2 fallback chain from spec.md §6,
// grounded on DfsLogger.readHeaderAndReturnStream's exact magic-byte
// comparison and option-map decode. r must support the peek-then-rewind
// needed for the pre-v2 fallback; callers pass a *bufio.Reader sized at
// least len(magicV2)+1.
func readHeader(r *bufio.Reader) (*resolvedHeader, error) {
	maxMagicLen := len(magicV2)
	if len(magicV3) > maxMagicLen {
		maxMagicLen = len(magicV3)
	}

	peeked, err := r.Peek(maxMagicLen)
	if err != nil && err != io.EOF {
		return nil, err
	}

	switch {
	case hasPrefix(peeked, magicV3):
		if _, err := r.Discard(len(magicV3)); err != nil {
			return nil, err
		}
		return readHeaderV3(r)
	case hasPrefix(peeked, magicV2):
		if _, err := r.Discard(len(magicV2)); err != nil {
			return nil, err
		}
		return readHeaderV2(r)
	default:
		// pre-v2: no header at all, plaintext records begin at offset 0.
		// The bytes already Peek()'d remain buffered in r, so no rewind
		// is actually needed — r itself is the body reader.
		return &resolvedHeader{Cipher: nullCryptoModule{}, Body: r}, nil
	}
}

func hasPrefix(b []byte, prefix string) bool {
	if len(b) < len(prefix) {
		return false
	}
	return string(b[:len(prefix)]) == prefix
}

func readHeaderV3(r *bufio.Reader) (*resolvedHeader, error) {
	name, err := readUTF(r)
	if err != nil {
		return nil, fmt.Errorf("wal: reading v3 cipher module name: %w", err)
	}
	params, err := readBlob(r)
	if err != nil {
		return nil, fmt.Errorf("wal: reading v3 cipher params: %w", err)
	}
	cipher, err := LookupCipherModule(name)
	if err != nil {
		return nil, err
	}
	return &resolvedHeader{Cipher: cipher, Params: params, Body: r}, nil
}

// readHeaderV2 decodes the legacy flat string-map option format: a u32
// count followed by that many (key, value) utf8 pairs. The null-cipher
// case is simply an empty map; the default-cipher case carries its
// params as option entries. Neither legacy format is AEAD: v2 files were
// written only by the null or default ("DefaultCryptoModule"-equivalent)
// cipher, so v2 reads always resolve to the null module here — a
// default-cipher v2 file is out of scope for this reader (spec.md §6
// scopes compatibility to "null cipher" on the legacy path).
func readHeaderV2(r *bufio.Reader) (*resolvedHeader, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("wal: reading v2 option count: %w", err)
	}
	n := binary.BigEndian.Uint32(countBuf[:])
	for i := uint32(0); i < n; i++ {
		if _, err := readUTF(r); err != nil {
			return nil, fmt.Errorf("wal: reading v2 option key %d: %w", i, err)
		}
		if _, err := readUTF(r); err != nil {
			return nil, fmt.Errorf("wal: reading v2 option value %d: %w", i, err)
		}
	}
	return &resolvedHeader{Cipher: nullCryptoModule{}, Body: r}, nil
}

// writeHeaderV2 exists only so tests can synthesize legacy files (spec.md
// §8 scenario 3, "Legacy read"); production writes always use v3.
func writeHeaderV2(w *bufio.Writer, options map[string]string) error {
	if _, err := w.WriteString(magicV2); err != nil {
		return err
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(options)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}
	for k, v := range options {
		if err := writeUTF(w, k); err != nil {
			return err
		}
		if err := writeUTF(w, v); err != nil {
			return err
		}
	}
	return nil
}
