package coordcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeClient is a testify mock implementing Client, capturing whichever
// watcher it's armed with so tests can fire events later.
type fakeClient struct {
	mock.Mock
	armed map[string]Watcher
}

func newFakeClient() *fakeClient {
	return &fakeClient{armed: make(map[string]Watcher)}
}

func (f *fakeClient) Exists(ctx context.Context, path string, watcher Watcher) (*Stat, error) {
	if watcher != nil {
		f.armed[path] = watcher
	}
	args := f.Called(ctx, path)
	st, _ := args.Get(0).(*Stat)
	return st, args.Error(1)
}

func (f *fakeClient) GetData(ctx context.Context, path string, watcher Watcher) ([]byte, *Stat, error) {
	if watcher != nil {
		f.armed[path] = watcher
	}
	args := f.Called(ctx, path)
	data, _ := args.Get(0).([]byte)
	st, _ := args.Get(1).(*Stat)
	return data, st, args.Error(2)
}

func (f *fakeClient) GetChildren(ctx context.Context, path string, watcher Watcher) ([]string, error) {
	if watcher != nil {
		f.armed[path] = watcher
	}
	args := f.Called(ctx, path)
	children, _ := args.Get(0).([]string)
	return children, args.Error(1)
}

func (f *fakeClient) AddSessionWatcher(watcher Watcher) {
	f.armed["__session__"] = watcher
}

func (f *fakeClient) Close() error { return nil }

func TestCache_GetData_PopulatesAndCaches(t *testing.T) {
	client := newFakeClient()
	client.On("Exists", mock.Anything, "/a/b").Return(&Stat{Version: 1}, nil).Once()
	client.On("GetData", mock.Anything, "/a/b").Return([]byte("value"), &Stat{Version: 1}, nil).Once()

	cache := NewCache(client, nil, nil)

	data, absent, err := cache.GetData(context.Background(), "/a/b")
	require.NoError(t, err)
	assert.False(t, absent)
	assert.Equal(t, "value", string(data))

	// second call must hit the cache, not the client (mock set up Once()).
	data, absent, err = cache.GetData(context.Background(), "/a/b")
	require.NoError(t, err)
	assert.False(t, absent)
	assert.Equal(t, "value", string(data))
	client.AssertExpectations(t)
}

func TestCache_GetData_NegativeCaching(t *testing.T) {
	client := newFakeClient()
	client.On("Exists", mock.Anything, "/missing").Return(nil, nil).Once()

	cache := NewCache(client, nil, nil)

	_, absent, err := cache.GetData(context.Background(), "/missing")
	require.NoError(t, err)
	assert.True(t, absent)

	// repeated lookup answers locally; Exists must not be called again.
	_, absent, err = cache.GetData(context.Background(), "/missing")
	require.NoError(t, err)
	assert.True(t, absent)
	client.AssertExpectations(t)
}

func TestCache_DataChangedEvent_EvictsPath(t *testing.T) {
	client := newFakeClient()
	client.On("Exists", mock.Anything, "/a").Return(&Stat{Version: 1}, nil).Twice()
	client.On("GetData", mock.Anything, "/a").Return([]byte("v1"), &Stat{Version: 1}, nil).Once()
	client.On("GetData", mock.Anything, "/a").Return([]byte("v2"), &Stat{Version: 2}, nil).Once()

	cache := NewCache(client, nil, nil)

	data, _, err := cache.GetData(context.Background(), "/a")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	cache.Process(Event{Kind: EventDataChanged, Path: "/a"})

	data, _, err = cache.GetData(context.Background(), "/a")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	client.AssertExpectations(t)
}

func TestCache_SessionExpired_ClearsEverything(t *testing.T) {
	client := newFakeClient()
	client.On("Exists", mock.Anything, "/a").Return(&Stat{Version: 1}, nil).Twice()
	client.On("GetData", mock.Anything, "/a").Return([]byte("v1"), &Stat{Version: 1}, nil).Twice()

	cache := NewCache(client, nil, nil)

	_, _, err := cache.GetData(context.Background(), "/a")
	require.NoError(t, err)

	cache.Process(Event{Kind: EventSessionExpired})

	_, _, err = cache.GetData(context.Background(), "/a")
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestCache_ExternalWatcher_ChainedAfterInternal(t *testing.T) {
	client := newFakeClient()
	client.On("Exists", mock.Anything, "/a").Return(&Stat{Version: 1}, nil).Once()
	client.On("GetData", mock.Anything, "/a").Return([]byte("v1"), &Stat{Version: 1}, nil).Once()

	var externalCalled bool
	external := WatcherFunc(func(e Event) { externalCalled = true })

	cache := NewCache(client, external, nil)
	_, _, err := cache.GetData(context.Background(), "/a")
	require.NoError(t, err)

	cache.Process(Event{Kind: EventDataChanged, Path: "/a"})
	assert.True(t, externalCalled)
}

func TestCache_ConcurrentModification_RetriesWithoutCachingFailure(t *testing.T) {
	client := newFakeClient()
	client.On("Exists", mock.Anything, "/racy").Return(&Stat{Version: 1}, nil).Twice()
	client.On("GetData", mock.Anything, "/racy").Return(nil, nil, ErrNoNode).Once()
	client.On("GetData", mock.Anything, "/racy").Return([]byte("won the race"), &Stat{Version: 2}, nil).Once()

	cache := NewCache(client, nil, nil)

	data, absent, err := cache.GetData(context.Background(), "/racy")
	require.NoError(t, err)
	assert.False(t, absent)
	assert.Equal(t, "won the race", string(data))
	client.AssertExpectations(t)
}

func TestCache_GetChildren_NegativeCaching(t *testing.T) {
	client := newFakeClient()
	client.On("GetChildren", mock.Anything, "/parent").Return(nil, ErrNoNode).Once()

	cache := NewCache(client, nil, nil)

	_, absent, err := cache.GetChildren(context.Background(), "/parent")
	require.NoError(t, err)
	assert.True(t, absent)

	_, absent, err = cache.GetChildren(context.Background(), "/parent")
	require.NoError(t, err)
	assert.True(t, absent)
	client.AssertExpectations(t)
}

func TestCache_ClearPrefix(t *testing.T) {
	client := newFakeClient()
	client.On("Exists", mock.Anything, "/p/a").Return(&Stat{Version: 1}, nil).Twice()
	client.On("GetData", mock.Anything, "/p/a").Return([]byte("v"), &Stat{Version: 1}, nil).Twice()

	cache := NewCache(client, nil, nil)
	_, _, err := cache.GetData(context.Background(), "/p/a")
	require.NoError(t, err)

	cache.ClearPrefix("/p")

	_, _, err = cache.GetData(context.Background(), "/p/a")
	require.NoError(t, err)
	client.AssertExpectations(t)
}
