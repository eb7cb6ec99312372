package wal

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		key  *Key
	}{
		{"open", &Key{Event: EventOpen, Sequence: -1, TabletID: -1, SessionID: "abc-123"}},
		{"defineTablet", &Key{
			Event:    EventDefineTablet,
			Sequence: 42,
			TabletID: 7,
			Extent:   &TabletExtent{TableID: "t1", EndRow: []byte("row-z"), PrevEndRow: nil},
		}},
		{"compactionStart", &Key{Event: EventCompactionStart, Sequence: 1, TabletID: 3, Filename: "/vol/f1"}},
		{"manyMutations", &Key{Event: EventManyMutations, Sequence: 99, TabletID: 5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			require.NoError(t, encodeKey(w, tc.key))
			require.NoError(t, w.Flush())

			got, err := decodeKey(bufio.NewReader(&buf))
			require.NoError(t, err)
			assert.Equal(t, tc.key.Event, got.Event)
			assert.Equal(t, tc.key.Sequence, got.Sequence)
			assert.Equal(t, tc.key.TabletID, got.TabletID)
			assert.Equal(t, tc.key.Filename, got.Filename)
			assert.Equal(t, tc.key.SessionID, got.SessionID)
			if tc.key.Extent == nil {
				assert.Nil(t, got.Extent)
			} else {
				require.NotNil(t, got.Extent)
				assert.Equal(t, tc.key.Extent.TableID, got.Extent.TableID)
				assert.Equal(t, tc.key.Extent.EndRow, got.Extent.EndRow)
				assert.Equal(t, tc.key.Extent.PrevEndRow, got.Extent.PrevEndRow)
			}
		})
	}
}

func TestDecodeKey_UnknownEventTag(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0xFF)
	_, err := decodeKey(bufio.NewReader(&buf))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownEventTag)
}

func TestValueRoundTrip(t *testing.T) {
	v := &Value{Mutations: []Mutation{
		{Row: []byte("r1"), ColumnFamily: []byte("cf"), ColumnQualifier: []byte("cq"), Value: []byte("v1")},
		{Row: []byte("r2"), ColumnFamily: nil, ColumnQualifier: []byte("cq2"), Value: []byte("v2")},
	}}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, encodeValue(w, v))
	require.NoError(t, w.Flush())

	got, err := decodeValue(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Len(t, got.Mutations, 2)
	assert.Equal(t, v.Mutations[0].Row, got.Mutations[0].Row)
	assert.Equal(t, v.Mutations[1].ColumnQualifier, got.Mutations[1].ColumnQualifier)
}

func TestEmptyValueRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, encodeValue(w, emptyValue))
	require.NoError(t, w.Flush())

	got, err := decodeValue(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Empty(t, got.Mutations)
}

func TestWriteUTF_TooLong(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	longStr := make([]byte, 0x10000)
	err := writeUTF(w, string(longStr))
	assert.ErrorIs(t, err, ErrUTFTooLong)
}
