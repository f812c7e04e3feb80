package main

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btclog"
)

// chunkReserve is the framing headroom kept free in every datagram when the
// chunk capacity is derived from the buffer size.
const chunkReserve = 10

// maxChunkedSize is the largest file whose chunk count still fits the
// 32-bit index at the given capacity.
func maxChunkedSize(capacity int) int64 {
	return int64(capacity) * math.MaxUint32
}

// chunkCount returns ceil(size/capacity), and 0 for an empty file. A size
// needing more chunks than a uint32 can count is ErrFileTooLarge.
func chunkCount(size int64, capacity int) (uint32, error) {
	if size <= 0 {
		return 0, nil
	}
	if size > maxChunkedSize(capacity) {
		return 0, fmt.Errorf("%w: %d bytes need more than %d chunks of %d bytes",
			ErrFileTooLarge, size, uint32(math.MaxUint32), capacity)
	}
	c := int64(capacity)
	return uint32((size + c - 1) / c), nil
}

// defaultChunkCapacity derives the payload capacity from the datagram limit.
func defaultChunkCapacity(bufferSize int) int {
	return bufferSize - chunkReserve
}

// validateChunkCapacity checks that an indexed chunk always fits a datagram.
func validateChunkCapacity(capacity, bufferSize int) error {
	if capacity <= 0 {
		return fmt.Errorf("chunk capacity must be positive, got %d", capacity)
	}
	if capacity >= bufferSize-chunkIndexSize {
		return fmt.Errorf("chunk capacity %d must be below buffer size %d minus the %d-byte index",
			capacity, bufferSize, chunkIndexSize)
	}
	return nil
}

// Sequencer pushes a file as metadata followed by its chunks. It never waits
// for the receiver and never retransmits.
type Sequencer struct {
	capacity int
	pace     time.Duration
	clock    clock.Clock
	log      btclog.Logger
}

func newSequencer(capacity int, pace time.Duration, clk clock.Clock, log btclog.Logger) *Sequencer {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = btclog.Disabled
	}
	return &Sequencer{capacity: capacity, pace: pace, clock: clk, log: log}
}

// Transmit sends the metadata for data and then every chunk in index order
// through send. The first send error stops the stream. Nothing is sent when
// the chunk count would overflow.
func (s *Sequencer) Transmit(data []byte, send func([]byte) error) (Metadata, error) {
	n, err := chunkCount(int64(len(data)), s.capacity)
	if err != nil {
		return Metadata{}, err
	}
	meta := Metadata{TotalSize: int64(len(data)), TotalChunks: n}
	if err := send(encodeMetadata(meta)); err != nil {
		return meta, fmt.Errorf("send metadata: %w", err)
	}
	s.log.Debugf("Sent metadata %d bytes / %d chunks", meta.TotalSize, meta.TotalChunks)

	for i := uint32(0); i < meta.TotalChunks; i++ {
		start := int(i) * s.capacity
		end := start + s.capacity
		if end > len(data) {
			end = len(data)
		}
		if err := send(encodeChunk(Chunk{Index: i, Payload: data[start:end]})); err != nil {
			return meta, fmt.Errorf("send chunk %d/%d: %w", i, meta.TotalChunks, err)
		}
		s.log.Tracef("Sent chunk %d (%d bytes)", i, end-start)
		if s.pace > 0 && i+1 < meta.TotalChunks {
			s.clock.Sleep(s.pace)
		}
	}
	return meta, nil
}
