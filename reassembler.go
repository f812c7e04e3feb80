package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
)

// Reassembler collects chunk payloads for one download into a buffer sized
// to the advertised total. Payloads are appended in arrival order.
type Reassembler struct {
	meta     Metadata
	buf      []byte
	received uint32
	log      btclog.Logger

	// onChunk, when set, is called after every accepted chunk.
	onChunk func(received uint32, bytes int)
}

// newReassembler checks that meta describes a stream a server with the given
// per-chunk payload limit could have produced, then allocates the buffer.
func newReassembler(meta Metadata, maxPayload int, log btclog.Logger) (*Reassembler, error) {
	if log == nil {
		log = btclog.Disabled
	}
	switch {
	case meta.TotalSize < 0:
		return nil, fmt.Errorf("%w: negative size %d", ErrMalformedMetadata, meta.TotalSize)
	case (meta.TotalChunks == 0) != (meta.TotalSize == 0):
		return nil, fmt.Errorf("%w: %d bytes in %d chunks", ErrMalformedMetadata, meta.TotalSize, meta.TotalChunks)
	case int64(meta.TotalChunks) > meta.TotalSize:
		return nil, fmt.Errorf("%w: %d chunks exceed %d bytes", ErrMalformedMetadata, meta.TotalChunks, meta.TotalSize)
	case maxPayload > 0 && meta.TotalSize > int64(meta.TotalChunks)*int64(maxPayload):
		return nil, fmt.Errorf("%w: %d bytes cannot fit %d chunks of at most %d bytes",
			ErrMalformedMetadata, meta.TotalSize, meta.TotalChunks, maxPayload)
	}
	return &Reassembler{
		meta: meta,
		buf:  make([]byte, 0, meta.TotalSize),
		log:  log,
	}, nil
}

// Add decodes one chunk datagram and appends its payload.
func (r *Reassembler) Add(datagram []byte) error {
	if r.Done() {
		return fmt.Errorf("%w: unexpected chunk after %d of %d", ErrMalformedChunk, r.received, r.meta.TotalChunks)
	}
	c, err := decodeChunk(datagram)
	if err != nil {
		return err
	}
	if c.Index != r.received {
		r.log.Debugf("Chunk index %d arrived in slot %d", c.Index, r.received)
	}
	if int64(len(r.buf))+int64(len(c.Payload)) > r.meta.TotalSize {
		return fmt.Errorf("%w: chunk %d overflows %d-byte file", ErrMalformedChunk, c.Index, r.meta.TotalSize)
	}
	r.buf = append(r.buf, c.Payload...)
	r.received++
	if r.onChunk != nil {
		r.onChunk(r.received, len(r.buf))
	}
	return nil
}

// Done reports whether every advertised chunk has arrived.
func (r *Reassembler) Done() bool {
	return r.received >= r.meta.TotalChunks
}

// Bytes returns the reassembled file. It fails unless every chunk arrived and
// the payloads add up to the advertised size.
func (r *Reassembler) Bytes() ([]byte, error) {
	if !r.Done() {
		return nil, fmt.Errorf("incomplete transfer: %d of %d chunks", r.received, r.meta.TotalChunks)
	}
	if int64(len(r.buf)) != r.meta.TotalSize {
		return nil, fmt.Errorf("%w: got %d bytes, advertised %d", ErrMalformedChunk, len(r.buf), r.meta.TotalSize)
	}
	return r.buf, nil
}

// Persist writes the complete file to path, replacing any existing file, and
// releases the buffer.
func (r *Reassembler) Persist(path string) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	r.buf = nil
	return nil
}
