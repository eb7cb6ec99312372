package wal

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func TestLocalBlockStore_CreateWriteReadBack(t *testing.T) {
	store := NewLocalBlockStore(t.TempDir(), 3, 0)

	sink, err := store.Create("vol1/server+9997/file-1", 0, 0)
	require.NoError(t, err)

	_, err = sink.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, sink.SyncToDisk())
	require.NoError(t, sink.Close())

	reader, err := store.Open("vol1/server+9997/file-1")
	require.NoError(t, err)
	defer reader.Close()

	size, err := reader.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	buf := make([]byte, 5)
	n, err := reader.ReadAt(buf, 0)
	require.True(t, err == nil || err == io.EOF)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestLocalBlockStore_FansOutToAllReplicas(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalBlockStore(dir, 3, 0)

	sink, err := store.Create("path/to/file", 3, 0)
	require.NoError(t, err)
	_, err = sink.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, sink.SyncToDisk())
	require.NoError(t, sink.Close())

	for i := 0; i < 3; i++ {
		full := store.replicaDir("path/to/file", i)
		info, err := statFile(full)
		require.NoError(t, err, "replica %d missing", i)
		assert.Equal(t, int64(4), info)
	}
}

func TestLocalBlockStore_DefaultReplicationAndBlockSize(t *testing.T) {
	store := NewLocalBlockStore(t.TempDir(), 5, 1024)
	assert.Equal(t, uint16(5), store.DefaultReplication("any/path"))
	assert.Equal(t, uint64(1024), store.DefaultBlockSize())
}

func TestLocalBlockStore_ZeroReplicationDefaultsToOne(t *testing.T) {
	store := NewLocalBlockStore(t.TempDir(), 0, 0)
	assert.Equal(t, uint16(1), store.DefaultReplication("any/path"))
}
