package main

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
)

// ─────────────────────────────────────────────────────────────────────────────
// WIRE FORMAT
//
//	request   base64(name)
//	metadata  "<totalSize>:<totalChunks>"
//	error     "ERROR:<message>"
//	chunk     [index u32 BE][payload]
// ─────────────────────────────────────────────────────────────────────────────

const (
	chunkIndexSize = 4
	metaSeparator  = ":"
	errorPrefix    = "ERROR:"
)

// Metadata describes the chunk stream that follows it.
type Metadata struct {
	TotalSize   int64
	TotalChunks uint32
}

// Chunk is one indexed slice of a file.
type Chunk struct {
	Index   uint32
	Payload []byte
}

func encodeRequest(name string) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(name)))
	base64.StdEncoding.Encode(out, []byte(name))
	return out
}

func decodeRequest(b []byte) (string, error) {
	// The decoder silently skips line breaks; the wire form has none.
	if i := bytes.IndexAny(b, "\r\n"); i >= 0 {
		return "", fmt.Errorf("%w: line break at offset %d", ErrMalformedRequest, i)
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Strict().Decode(out, b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return string(out[:n]), nil
}

func encodeMetadata(m Metadata) []byte {
	return []byte(strconv.FormatInt(m.TotalSize, 10) + metaSeparator +
		strconv.FormatUint(uint64(m.TotalChunks), 10))
}

func decodeMetadata(b []byte) (Metadata, error) {
	parts := bytes.Split(b, []byte(metaSeparator))
	if len(parts) != 2 {
		return Metadata{}, fmt.Errorf("%w: want 2 fields, got %d", ErrMalformedMetadata, len(parts))
	}
	// ParseUint rejects signs, so negative values never get through.
	size, err := strconv.ParseUint(string(parts[0]), 10, 63)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: total size: %w: %v", ErrMalformedMetadata, ErrNumberFormat, err)
	}
	chunks, err := strconv.ParseUint(string(parts[1]), 10, 32)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: total chunks: %w: %v", ErrMalformedMetadata, ErrNumberFormat, err)
	}
	return Metadata{TotalSize: int64(size), TotalChunks: uint32(chunks)}, nil
}

func encodeError(msg string) []byte {
	return []byte(errorPrefix + msg)
}

func isError(b []byte) bool {
	return bytes.HasPrefix(b, []byte(errorPrefix))
}

func errorMessage(b []byte) string {
	return string(bytes.TrimPrefix(b, []byte(errorPrefix)))
}

func encodeChunk(c Chunk) []byte {
	out := make([]byte, chunkIndexSize+len(c.Payload))
	binary.BigEndian.PutUint32(out, c.Index)
	copy(out[chunkIndexSize:], c.Payload)
	return out
}

func decodeChunk(b []byte) (Chunk, error) {
	if len(b) < chunkIndexSize {
		return Chunk{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedChunk, len(b), chunkIndexSize)
	}
	payload := make([]byte, len(b)-chunkIndexSize)
	copy(payload, b[chunkIndexSize:])
	return Chunk{Index: binary.BigEndian.Uint32(b), Payload: payload}, nil
}
