package wal

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/INLOpen/nexusbase/config"
	"github.com/google/uuid"
)

// LogBatch is one (tablet_id, sequence, mutations) group passed to LogMany
// (spec.md §4.D).
type LogBatch struct {
	TabletID  int32
	Sequence  int64
	Mutations []Mutation
}

// writerState is the state machine from spec.md §5: new → open → closing → closed.
type writerState int

const (
	stateNew writerState = iota
	stateOpen
	stateClosing
	stateClosed
)

// workItem is a single queued unit of the group-commit pipeline: a
// single-shot completion signal and an exception slot (spec.md §4.D).
type workItem struct {
	done      chan struct{}
	err       error
	isSentinel bool
}

// workQueue is the unbounded FIFO the sync worker drains, implemented
// with a mutex and condition variable since Go channels have no
// unbounded variant.
type workQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*workItem
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *workQueue) push(item *workItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
}

// drainAll blocks until at least one item is queued, then returns and
// clears the entire backlog (spec.md §4.D steps 1-2).
func (q *workQueue) drainAll() []*workItem {
	q.mu.Lock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// OpHandle is returned by LogMany / CompactionStart / CompactionFinish.
// Await blocks until the sync worker has resolved this call's durability
// outcome.
type OpHandle struct {
	item *workItem
}

// Await blocks until the bytes this handle represents have either been
// made durable or failed. Spec.md §5: "await() blocks until the sync
// worker signals completion"; there is no internal timeout.
func (h *OpHandle) Await() error {
	<-h.item.done
	return h.item.err
}

// Writer is the per-session WAL writer: owns the block sink, the cipher
// wrapper, and the record codec, and serves concurrent producers with
// group-commit semantics (spec.md §4.D).
type Writer struct {
	store        BlockStore
	volumePolicy VolumePolicy
	cipher       CipherModule
	cryptoCfg    config.CryptoConfig
	walCfg       config.WALConfig
	candidates   []string

	appendMu sync.Mutex // serializes the byte-level append path
	bufw     *bufio.Writer

	closeMu sync.Mutex // guards `state` and queue-push-vs-close races
	state   writerState

	queue     *workQueue
	closeDone chan struct{}

	sink       SinkFile
	path       string
	serverTag  string
	sessionID  string
}

// NewWriter constructs a Writer in the `new` state. candidateVolumes are
// the directories Open's volume policy chooses among.
func NewWriter(store BlockStore, volumePolicy VolumePolicy, cipher CipherModule, cfg *config.Config, candidateVolumes []string) *Writer {
	return &Writer{
		store:        store,
		volumePolicy: volumePolicy,
		cipher:       cipher,
		cryptoCfg:    cfg.Crypto,
		walCfg:       cfg.WAL,
		candidates:   candidateVolumes,
		queue:        newWorkQueue(),
		closeDone:    make(chan struct{}),
		state:        stateNew,
	}
}

// serverTagFor sanitizes a tserver address into a path component by
// joining host and port with '+' (config.go: "it is embedded (joined
// with '+') into every WAL path this server opens").
func serverTagFor(tserverAddress string) string {
	return strings.ReplaceAll(tserverAddress, ":", "+")
}

// Open allocates a fresh file, writes the header and an OPEN record, and
// performs a durable sync before returning (spec.md §4.D). The session
// identifier carried by the OPEN record equals the filename (the uuid path
// component).
func (w *Writer) Open(tserverAddress string) (err error) {
	w.closeMu.Lock()
	if w.state != stateNew {
		w.closeMu.Unlock()
		return fmt.Errorf("wal: Open called in state %d, expected new", w.state)
	}
	w.closeMu.Unlock()

	volume, err := w.volumePolicy.Choose(w.candidates)
	if err != nil {
		return fmt.Errorf("wal: choosing volume: %w", err)
	}

	w.serverTag = serverTagFor(tserverAddress)
	id := uuid.New().String()
	w.sessionID = id
	w.path = filepath.Join(volume, w.serverTag, id)

	replication := w.walCfg.Replication
	blockSize := w.walCfg.BlockSize
	if blockSize <= 0 && w.walCfg.MaxSize > 0 {
		blockSize = int64(float64(w.walCfg.MaxSize) * 1.1)
	}

	sink, err := w.store.Create(w.path, replication, blockSize)
	if err != nil {
		return fmt.Errorf("wal: creating %s: %w", w.path, err)
	}

	if err := w.writeHeaderAndOpenRecord(sink); err != nil {
		// open() failed after bytes may have been written: close the
		// partial file before propagating (spec.md §4.D edge cases).
		_ = sink.Close()
		return fmt.Errorf("wal: open %s: %w", w.path, err)
	}

	w.sink = sink
	w.closeMu.Lock()
	w.state = stateOpen
	w.closeMu.Unlock()

	go w.syncLoop()
	return nil
}

func (w *Writer) writeHeaderAndOpenRecord(sink SinkFile) error {
	// The cipher is wrapped over the sink exactly once; its header params
	// (e.g. a random salt) are fixed at wrap time, so the plaintext header
	// below must be written and flushed before any byte is sent through
	// cipherWriter — both ultimately write the same underlying sink, and
	// flush order is what fixes their relative position in the file.
	cipherWriter, params, err := w.cipher.WrapWriter(sink, w.cryptoCfg)
	if err != nil {
		return fmt.Errorf("initializing cipher %s: %w", w.cipher.Name(), err)
	}

	plainw := bufio.NewWriter(sink)
	if err := writeHeaderV3(plainw, w.cipher.Name(), params); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := plainw.Flush(); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	w.bufw = bufio.NewWriter(cipherWriter)

	openKey := &Key{Event: EventOpen, Sequence: -1, TabletID: -1, SessionID: w.sessionID}
	if err := encodeKey(w.bufw, openKey); err != nil {
		return fmt.Errorf("encoding OPEN record key: %w", err)
	}
	if err := encodeValue(w.bufw, emptyValue); err != nil {
		return fmt.Errorf("encoding OPEN record value: %w", err)
	}
	if err := w.bufw.Flush(); err != nil {
		return fmt.Errorf("flushing OPEN record: %w", err)
	}
	return sink.SyncToDisk()
}

// String renders the writer's identity for logs: the server tag and
// session id, mirroring the original logger's toString.
func (w *Writer) String() string {
	return fmt.Sprintf("WAL[%s/%s]", w.serverTag, w.sessionID)
}

// ServerTag answers the sanitized tablet-server address this log was
// opened for.
func (w *Writer) ServerTag() string { return w.serverTag }

// SameFile reports whether w and other are writers for the same
// underlying log file, useful for producers that cache a writer
// reference and must detect a rotation to a new file.
func (w *Writer) SameFile(other *Writer) bool {
	if other == nil {
		return false
	}
	return w.path == other.path
}

func (w *Writer) checkOpenLocked() error {
	if w.state != stateOpen {
		return ErrLogClosed
	}
	return nil
}

// beginAppend acquires appendMu and verifies the writer is still open
// before letting a caller encode into w.bufw. It serializes the append
// path with Close(): Close holds appendMu while it flips the state away
// from stateOpen, so beginAppend either observes stateOpen and proceeds
// (in which case Close is still blocked waiting for appendMu, and so
// cannot close the sink until this append's encode+flush finishes), or
// observes the post-close state and fails fast without writing a single
// byte (spec.md §4.D, "ClosedChannel observed during append is reported
// as log-closed on the originating call and does not poison the
// pipeline"). Callers that succeed must release w.appendMu themselves
// once their encode+flush completes.
func (w *Writer) beginAppend() error {
	w.appendMu.Lock()
	w.closeMu.Lock()
	err := w.checkOpenLocked()
	w.closeMu.Unlock()
	if err != nil {
		w.appendMu.Unlock()
		return err
	}
	return nil
}

// DefineTablet synchronously writes a DEFINE_TABLET record and performs
// a durable sync; it is not batched into the group-commit pipeline
// because subsequent records for this tablet must reference a
// definition already durable (spec.md §4.D).
func (w *Writer) DefineTablet(sequence int64, tabletID int32, extent *TabletExtent) error {
	if err := w.beginAppend(); err != nil {
		return err
	}
	key := &Key{Event: EventDefineTablet, Sequence: sequence, TabletID: tabletID, Extent: extent, SessionID: w.sessionID}
	encErr := func() error {
		if err := encodeKey(w.bufw, key); err != nil {
			return err
		}
		if err := encodeValue(w.bufw, emptyValue); err != nil {
			return err
		}
		return w.bufw.Flush()
	}()
	w.appendMu.Unlock()
	if encErr != nil {
		return fmt.Errorf("wal: encoding DEFINE_TABLET: %w", encErr)
	}

	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return err
	}
	return w.sink.SyncToDisk()
}

// LogMany batches one or more (tablet_id, sequence, mutations) groups
// into a single append, returning a handle that resolves once the bytes
// are durable (spec.md §4.D).
func (w *Writer) LogMany(batches []LogBatch) (*OpHandle, error) {
	if err := w.beginAppend(); err != nil {
		return nil, err
	}
	err := func() error {
		for i := range batches {
			b := &batches[i]
			key := &Key{Event: EventManyMutations, Sequence: b.Sequence, TabletID: b.TabletID, SessionID: w.sessionID}
			if err := encodeKey(w.bufw, key); err != nil {
				return err
			}
			if err := encodeValue(w.bufw, &Value{Mutations: b.Mutations}); err != nil {
				return err
			}
		}
		return w.bufw.Flush()
	}()
	w.appendMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("wal: encoding MANY_MUTATIONS: %w", err)
	}

	return w.enqueue()
}

// CompactionStart records that a minor compaction producing filename has
// begun for tabletID (spec.md §4.D).
func (w *Writer) CompactionStart(sequence int64, tabletID int32, filename string) (*OpHandle, error) {
	return w.logSingle(&Key{Event: EventCompactionStart, Sequence: sequence, TabletID: tabletID, Filename: filename, SessionID: w.sessionID})
}

// CompactionFinish records that the most recently started compaction for
// tabletID has completed (spec.md §4.D).
func (w *Writer) CompactionFinish(sequence int64, tabletID int32) (*OpHandle, error) {
	return w.logSingle(&Key{Event: EventCompactionFinish, Sequence: sequence, TabletID: tabletID, SessionID: w.sessionID})
}

func (w *Writer) logSingle(key *Key) (*OpHandle, error) {
	if err := w.beginAppend(); err != nil {
		return nil, err
	}
	err := func() error {
		if err := encodeKey(w.bufw, key); err != nil {
			return err
		}
		if err := encodeValue(w.bufw, emptyValue); err != nil {
			return err
		}
		return w.bufw.Flush()
	}()
	w.appendMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("wal: encoding %s record: %w", key.Event, err)
	}

	return w.enqueue()
}

// enqueue pushes a work item for the bytes just appended, failing fast
// with ErrLogClosed if the writer has begun closing (spec.md §4.D edge
// cases: "ClosedChannel observed during append is reported as log-closed
// on the originating call and does not poison the pipeline").
func (w *Writer) enqueue() (*OpHandle, error) {
	item := &workItem{done: make(chan struct{})}
	w.closeMu.Lock()
	if w.state != stateOpen {
		w.closeMu.Unlock()
		return nil, ErrLogClosed
	}
	w.queue.push(item)
	w.closeMu.Unlock()
	return &OpHandle{item: item}, nil
}

// syncLoop is the single dedicated sync worker (spec.md §4.D).
func (w *Writer) syncLoop() {
	for {
		items := w.queue.drainAll()

		// Items drained while Close waits (stateClosing) are still synced:
		// the sink is closed only after this loop has exited.
		w.closeMu.Lock()
		closed := w.state == stateClosed
		var syncErr error
		if !closed {
			if w.walCfg.SyncMode {
				syncErr = w.sink.SyncToDisk()
			} else {
				syncErr = w.sink.FlushToPeers()
			}
		}
		w.closeMu.Unlock()

		sawSentinel := false
		for _, it := range items {
			if it.isSentinel {
				sawSentinel = true
				continue
			}
			if closed {
				it.err = ErrLogClosed
			} else {
				it.err = syncErr
			}
			close(it.done)
		}

		if sawSentinel {
			close(w.closeDone)
			return
		}
	}
}

// Close quiesces the pipeline, completes all outstanding handles, and
// closes the underlying file exactly once (spec.md §4.D).
func (w *Writer) Close() error {
	w.closeMu.Lock()
	if w.state == stateClosed || w.state == stateClosing {
		w.closeMu.Unlock()
		<-w.closeDone
		return nil
	}
	if w.state != stateOpen {
		w.closeMu.Unlock()
		return fmt.Errorf("wal: Close called before Open")
	}
	w.closeMu.Unlock()

	// Hold appendMu while flipping the state so any append currently
	// writing into w.bufw (already past beginAppend's check) finishes
	// before the sink is closed, and no new append can start once the
	// state leaves stateOpen (beginAppend's own closeMu-guarded check
	// runs while holding appendMu, so it cannot race past this point).
	w.appendMu.Lock()
	w.closeMu.Lock()
	w.state = stateClosing
	w.queue.push(&workItem{done: make(chan struct{}), isSentinel: true})
	w.closeMu.Unlock()
	w.appendMu.Unlock()

	<-w.closeDone

	w.closeMu.Lock()
	w.state = stateClosed
	w.closeMu.Unlock()

	return w.sink.Close()
}
