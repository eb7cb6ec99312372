// Command inspect_wal dumps the records of a single WAL file written by
// wal.Writer, for offline debugging.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/INLOpen/nexusbase/config"
	"github.com/INLOpen/nexusbase/wal"
)

func main() {
	var root, path, keyHex string
	flag.StringVar(&root, "root", "", "LocalBlockStore root directory")
	flag.StringVar(&path, "path", "", "WAL file path relative to root")
	flag.StringVar(&keyHex, "key-hex", "", "hex-encoded AEAD key, required only for files written with the AEAD cipher module")
	flag.Parse()
	if root == "" || path == "" {
		log.Fatal("provide -root and -path")
	}

	store := wal.NewLocalBlockStore(filepath.Clean(root), 1, 0)
	dec, err := wal.OpenForRead(store, path, config.CryptoConfig{KeyHex: keyHex})
	if err != nil {
		log.Fatalf("opening %s: %v", path, err)
	}
	defer dec.Close()

	count := 0
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("decoding record %d: %v", count, err)
		}
		fmt.Printf("%03d: event=%s seq=%d tablet=%d mutations=%d\n",
			count, rec.Key.Event, rec.Key.Sequence, rec.Key.TabletID, len(rec.Value.Mutations))
		count++
	}
	fmt.Printf("total records: %d\n", count)
}
