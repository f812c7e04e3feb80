package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReassemblerPlausibility(t *testing.T) {
	tests := []struct {
		name string
		meta Metadata
		ok   bool
	}{
		{"empty", Metadata{0, 0}, true},
		{"one byte", Metadata{1, 1}, true},
		{"report", Metadata{10000, 3}, true},
		{"exactly full", Metadata{3 * 4092, 3}, true},
		{"size without chunks", Metadata{10, 0}, false},
		{"chunks without size", Metadata{0, 1}, false},
		{"more chunks than bytes", Metadata{5, 10}, false},
		{"too few chunks", Metadata{3*4092 + 1, 3}, false},
		{"negative", Metadata{-1, 1}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newReassembler(tc.meta, 4092, nil)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedMetadata)
			}
		})
	}
}

func TestReassemblerAppendsInArrivalOrder(t *testing.T) {
	r, err := newReassembler(Metadata{TotalSize: 6, TotalChunks: 3}, 4, nil)
	require.NoError(t, err)

	// Indices are informational; payloads land in the order they arrive.
	require.NoError(t, r.Add(encodeChunk(Chunk{Index: 2, Payload: []byte("ab")})))
	require.NoError(t, r.Add(encodeChunk(Chunk{Index: 0, Payload: []byte("cd")})))
	assert.False(t, r.Done())
	require.NoError(t, r.Add(encodeChunk(Chunk{Index: 1, Payload: []byte("ef")})))
	assert.True(t, r.Done())

	b, err := r.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(b))
}

func TestReassemblerRejects(t *testing.T) {
	t.Run("short datagram", func(t *testing.T) {
		r, err := newReassembler(Metadata{TotalSize: 4, TotalChunks: 1}, 10, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, r.Add([]byte{0, 0}), ErrMalformedChunk)
	})
	t.Run("overflow", func(t *testing.T) {
		r, err := newReassembler(Metadata{TotalSize: 4, TotalChunks: 2}, 10, nil)
		require.NoError(t, err)
		require.NoError(t, r.Add(encodeChunk(Chunk{Index: 0, Payload: []byte("abc")})))
		assert.ErrorIs(t, r.Add(encodeChunk(Chunk{Index: 1, Payload: []byte("de")})), ErrMalformedChunk)
	})
	t.Run("extra chunk", func(t *testing.T) {
		r, err := newReassembler(Metadata{TotalSize: 2, TotalChunks: 1}, 10, nil)
		require.NoError(t, err)
		require.NoError(t, r.Add(encodeChunk(Chunk{Index: 0, Payload: []byte("ab")})))
		assert.ErrorIs(t, r.Add(encodeChunk(Chunk{Index: 1})), ErrMalformedChunk)
	})
	t.Run("short total", func(t *testing.T) {
		r, err := newReassembler(Metadata{TotalSize: 4, TotalChunks: 2}, 10, nil)
		require.NoError(t, err)
		require.NoError(t, r.Add(encodeChunk(Chunk{Index: 0, Payload: []byte("a")})))
		require.NoError(t, r.Add(encodeChunk(Chunk{Index: 1, Payload: []byte("b")})))
		_, err = r.Bytes()
		assert.ErrorIs(t, err, ErrMalformedChunk)
	})
	t.Run("incomplete", func(t *testing.T) {
		r, err := newReassembler(Metadata{TotalSize: 4, TotalChunks: 2}, 10, nil)
		require.NoError(t, err)
		_, err = r.Bytes()
		assert.Error(t, err)
	})
}

func TestReassemblerProgress(t *testing.T) {
	r, err := newReassembler(Metadata{TotalSize: 5, TotalChunks: 2}, 3, nil)
	require.NoError(t, err)
	var calls [][2]int
	r.onChunk = func(received uint32, bytes int) {
		calls = append(calls, [2]int{int(received), bytes})
	}
	require.NoError(t, r.Add(encodeChunk(Chunk{Index: 0, Payload: []byte("abc")})))
	require.NoError(t, r.Add(encodeChunk(Chunk{Index: 1, Payload: []byte("de")})))
	assert.Equal(t, [][2]int{{1, 3}, {2, 5}}, calls)
}

func TestReassemblerPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(path, []byte("old contents that are longer"), 0644))

	r, err := newReassembler(Metadata{TotalSize: 3, TotalChunks: 1}, 10, nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(encodeChunk(Chunk{Index: 0, Payload: []byte("new")})))
	require.NoError(t, r.Persist(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestReassemblerPersistIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	r, err := newReassembler(Metadata{TotalSize: 3, TotalChunks: 1}, 10, nil)
	require.NoError(t, err)
	assert.Error(t, r.Persist(path))
	assert.NoFileExists(t, path)
}
