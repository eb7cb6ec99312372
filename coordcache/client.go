// Package coordcache implements the watch-driven coordination cache of
// spec.md §4.E-F: a long-lived session to a hierarchical coordination
// store (here, etcd) and a process-local cache kept coherent by its
// change notifications.
package coordcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Stat is the defensive-copy metadata block accompanying cached data and
// children (spec.md §3: "stat: version/mtime/... | absent").
type Stat struct {
	Version int64
	ModTime time.Time
}

// EventKind enumerates the node- and session-level notifications the
// watch channel delivers (spec.md §4.E).
type EventKind int

const (
	EventDataChanged EventKind = iota
	EventChildrenChanged
	EventCreated
	EventDeleted
	EventSessionDisconnected
	EventSessionConnected
	EventSessionExpired
)

func (k EventKind) String() string {
	switch k {
	case EventDataChanged:
		return "data-changed"
	case EventChildrenChanged:
		return "children-changed"
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventSessionDisconnected:
		return "session-disconnected"
	case EventSessionConnected:
		return "session-connected"
	case EventSessionExpired:
		return "session-expired"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a single coordination-store notification, either scoped to a
// path (Path != "") or to the whole session (Path == "").
type Event struct {
	Kind EventKind
	Path string
}

// Watcher receives Events. A nil Watcher is legal and simply means "no
// notification requested" — several Client methods accept one per call,
// mirroring the one-shot watcher-per-read convention of the source this
// was modeled on.
type Watcher interface {
	Process(Event)
}

// WatcherFunc adapts a plain function to a Watcher.
type WatcherFunc func(Event)

func (f WatcherFunc) Process(e Event) { f(e) }

// Errors surfaced by Client implementations. ErrConnectionLost and
// ErrOperationInterrupted are transient (spec.md §7); Cache's retry loop
// catches both.
var (
	ErrConnectionLost       = errors.New("coordcache: connection lost")
	ErrOperationInterrupted = errors.New("coordcache: operation interrupted")
	// ErrNoNode is returned by GetData/GetChildren when the path does not
	// exist; it is not transient, but Cache treats a NoNode observed
	// between Exists and GetData as a concurrent-modification signal
	// (spec.md §4.F).
	ErrNoNode = errors.New("coordcache: no such node")
	// ErrBadVersion signals the node changed between Exists and GetData.
	ErrBadVersion = errors.New("coordcache: version mismatch")
)

// Client is the coordination-store interface spec.md §6 requires:
// "Minimally supports: exists(path, watcher), get_data(path, watcher,
// stat_out), get_children(path, watcher), and session events delivered
// to a registered watcher."
type Client interface {
	// Exists probes path, arming watcher to fire once, on the next change
	// to it. A nil Stat with a nil error means the path does not exist.
	Exists(ctx context.Context, path string, watcher Watcher) (*Stat, error)
	// GetData reads path's value, arming watcher the same way Exists
	// does. Returns ErrNoNode if the path does not exist.
	GetData(ctx context.Context, path string, watcher Watcher) ([]byte, *Stat, error)
	// GetChildren lists path's immediate children, arming watcher.
	// Returns ErrNoNode if the path does not exist.
	GetChildren(ctx context.Context, path string, watcher Watcher) ([]string, error)
	// AddSessionWatcher registers watcher to receive session-level
	// events (disconnected/connected/expired) for the life of the
	// client.
	AddSessionWatcher(watcher Watcher)
	// Close releases the underlying session.
	Close() error
}

// EtcdClient is the concrete Client binding against etcd's clientv3,
// standing in for the hierarchical coordination service spec.md leaves
// external. etcd's lease/keepalive/watch model plays the same role
// ZooKeeper's session/watch model does in the source this was modeled
// on.
type EtcdClient struct {
	cli             *clientv3.Client
	sessionWatchers []Watcher
	sessionEvents   chan Event
	cancel          context.CancelFunc
}

// NewEtcdClient dials endpoints and starts the background goroutine that
// turns etcd connection-state changes into session events.
func NewEtcdClient(endpoints []string, dialTimeout time.Duration) (*EtcdClient, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("coordcache: dialing etcd: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ec := &EtcdClient{
		cli:           cli,
		sessionEvents: make(chan Event, 16),
		cancel:        cancel,
	}
	go ec.watchConnState(ctx)
	return ec, nil
}

// watchConnState polls the client's active connection and synthesizes
// connected/disconnected session events. etcd's clientv3 does not expose
// a ZooKeeper-style session-state callback directly, so this polls the
// connectivity state at a fixed interval — coarse, but sufficient to
// drive Cache's clear()-on-disconnect rule.
func (ec *EtcdClient) watchConnState(ctx context.Context) {
	const pollInterval = 2 * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	connected := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := ec.cli.Get(ctx, "health-check-ping")
			nowConnected := err == nil || errors.Is(err, ErrNoNode)
			if nowConnected != connected {
				connected = nowConnected
				kind := EventSessionConnected
				if !connected {
					kind = EventSessionDisconnected
				}
				ec.emitSession(Event{Kind: kind})
			}
		}
	}
}

func (ec *EtcdClient) emitSession(e Event) {
	for _, w := range ec.sessionWatchers {
		w.Process(e)
	}
	select {
	case ec.sessionEvents <- e:
	default:
	}
}

func (ec *EtcdClient) AddSessionWatcher(watcher Watcher) {
	ec.sessionWatchers = append(ec.sessionWatchers, watcher)
}

func (ec *EtcdClient) Exists(ctx context.Context, path string, watcher Watcher) (*Stat, error) {
	resp, err := ec.cli.Get(ctx, path)
	if err != nil {
		return nil, translateErr(err)
	}
	if watcher != nil {
		ec.arm(path, watcher)
	}
	if resp.Count == 0 {
		return nil, nil
	}
	kv := resp.Kvs[0]
	return &Stat{Version: kv.Version, ModTime: time.Unix(0, kv.ModRevision)}, nil
}

func (ec *EtcdClient) GetData(ctx context.Context, path string, watcher Watcher) ([]byte, *Stat, error) {
	resp, err := ec.cli.Get(ctx, path)
	if err != nil {
		return nil, nil, translateErr(err)
	}
	if watcher != nil {
		ec.arm(path, watcher)
	}
	if resp.Count == 0 {
		return nil, nil, ErrNoNode
	}
	kv := resp.Kvs[0]
	return kv.Value, &Stat{Version: kv.Version, ModTime: time.Unix(0, kv.ModRevision)}, nil
}

func (ec *EtcdClient) GetChildren(ctx context.Context, path string, watcher Watcher) ([]string, error) {
	prefix := path
	if len(prefix) == 0 || prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	resp, err := ec.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, translateErr(err)
	}
	if watcher != nil {
		ec.arm(path, watcher)
	}
	if resp.Count == 0 {
		return nil, ErrNoNode
	}
	names := make([]string, 0, len(resp.Kvs))
	seen := make(map[string]bool, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := immediateChild(prefix, string(kv.Key))
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

func immediateChild(prefix, fullKey string) string {
	rest := fullKey[len(prefix):]
	for i, c := range rest {
		if c == '/' {
			return rest[:i]
		}
	}
	return rest
}

// arm starts a one-shot etcd watch on path and translates its first
// event into the corresponding Watcher.Process call, mirroring
// ZooKeeper's one-fire-per-registration watcher semantics.
func (ec *EtcdClient) arm(path string, watcher Watcher) {
	watchCh := ec.cli.Watch(context.Background(), path)
	go func() {
		for resp := range watchCh {
			if resp.Canceled {
				return
			}
			for _, ev := range resp.Events {
				var kind EventKind
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					kind = EventDeleted
				case ev.IsCreate():
					kind = EventCreated
				default:
					kind = EventDataChanged
				}
				watcher.Process(Event{Kind: kind, Path: path})
			}
			return
		}
	}()
}

func (ec *EtcdClient) Close() error {
	ec.cancel()
	return ec.cli.Close()
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrOperationInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
