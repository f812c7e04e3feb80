package main

import (
	"crypto/sha256"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btclog"
	"github.com/google/uuid"
)

const (
	// drainWait is how long the client listens for leftovers of an earlier
	// transfer before sending a new request.
	drainWait = time.Millisecond
	maxDrain  = 4096
)

type transferState int

const (
	stateIdle transferState = iota
	stateRequestSent
	stateMetadataReceived
	stateReceiving
	stateComplete
	stateFailed
)

var stateNames = [...]string{
	stateIdle:             "Idle",
	stateRequestSent:      "RequestSent",
	stateMetadataReceived: "MetadataReceived",
	stateReceiving:        "Receiving",
	stateComplete:         "Complete",
	stateFailed:           "Failed",
}

func (s transferState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("transferState(%d)", int(s))
}

// ClientConfig holds everything needed to dial one server.
type ClientConfig struct {
	Server     *net.UDPAddr
	BufferSize int
	SockBuf    int
	TOS        int
	Policy     RetryPolicy
	OutDir     string
	DropRate   float64

	// MaxFileSize caps the size a server may advertise. Zero keeps the
	// default of 1 GiB.
	MaxFileSize int64
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	ID      uuid.UUID
	Name    string
	Path    string
	Size    int64
	Chunks  uint32
	Elapsed time.Duration
}

// Client downloads files from one server, one at a time. It owns its socket
// until Close.
type Client struct {
	server     *net.UDPAddr
	transport  Transport
	retrier    *Retrier
	outDir     string
	maxPayload int
	maxSize    int64
	log        btclog.Logger

	// onProgress, when set, receives chunk progress of the running download.
	onProgress func(name string, meta Metadata, received uint32, bytes int)
}

// NewClient dials the configured server.
func NewClient(cfg ClientConfig, log btclog.Logger) (*Client, error) {
	if log == nil {
		log = btclog.Disabled
	}
	if err := cfg.Policy.validate(); err != nil {
		return nil, err
	}
	udp, err := dialUDP(cfg.Server, cfg.BufferSize, cfg.SockBuf, cfg.TOS, log)
	if err != nil {
		return nil, fmt.Errorf("dial %v: %w", cfg.Server, err)
	}
	var t Transport = udp
	if cfg.DropRate > 0 {
		t = newLossyTransport(udp, cfg.DropRate, time.Now().UnixNano(), log)
		log.Warnf("Simulating %.0f%% receive loss", cfg.DropRate*100)
	}
	c := newClient(t, cfg.Policy, cfg.OutDir, cfg.BufferSize-chunkIndexSize, nil, log)
	c.server = cfg.Server
	if cfg.MaxFileSize > 0 {
		c.maxSize = cfg.MaxFileSize
	}
	log.Debugf("Client %v -> %v", udp.LocalAddr(), cfg.Server)
	return c, nil
}

// newClient builds a client around an existing transport.
func newClient(t Transport, policy RetryPolicy, outDir string, maxPayload int,
	clk clock.Clock, log btclog.Logger) *Client {

	if log == nil {
		log = btclog.Disabled
	}
	if outDir == "" {
		outDir = "."
	}
	return &Client{
		transport:  t,
		retrier:    newRetrier(policy, clk, log),
		outDir:     outDir,
		maxPayload: maxPayload,
		maxSize:    defaultMaxFileSize,
		log:        log,
	}
}

// Server is the address the client is bound to, nil for injected transports.
func (c *Client) Server() *net.UDPAddr {
	return c.server
}

// Close releases the socket.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Download fetches name into the output directory. Nothing is written unless
// the whole file arrived.
func (c *Client) Download(name string) (*DownloadResult, error) {
	id := uuid.New()
	state := stateIdle
	enter := func(next transferState) {
		c.log.Debugf("[%s] %v -> %v", id, state, next)
		state = next
	}
	fail := func(err error) (*DownloadResult, error) {
		enter(stateFailed)
		return nil, err
	}

	if err := validateFileName(name); err != nil {
		return fail(err)
	}
	start := time.Now()
	c.drain(id)

	enter(stateRequestSent)
	if err := c.retrier.Send(c.transport, encodeRequest(name)); err != nil {
		return fail(fmt.Errorf("send request: %w", err))
	}

	resp, err := c.retrier.Receive(c.transport)
	if err != nil {
		return fail(fmt.Errorf("await metadata: %w", err))
	}
	if isError(resp) {
		return fail(&ServerError{Message: errorMessage(resp)})
	}
	meta, err := decodeMetadata(resp)
	if err != nil {
		return fail(err)
	}
	if meta.TotalSize > c.maxSize {
		return fail(fmt.Errorf("%w: server advertised %d bytes, limit %d",
			ErrFileTooLarge, meta.TotalSize, c.maxSize))
	}
	r, err := newReassembler(meta, c.maxPayload, c.log)
	if err != nil {
		return fail(err)
	}
	if c.onProgress != nil {
		r.onChunk = func(received uint32, bytes int) {
			c.onProgress(name, meta, received, bytes)
		}
	}
	enter(stateMetadataReceived)
	c.log.Debugf("[%s] %q is %d bytes in %d chunks", id, name, meta.TotalSize, meta.TotalChunks)

	if meta.TotalChunks > 0 {
		enter(stateReceiving)
	}
	for !r.Done() {
		b, err := c.retrier.Receive(c.transport)
		if err != nil {
			return fail(fmt.Errorf("chunk %d/%d: %w", r.received, meta.TotalChunks, err))
		}
		if isError(b) {
			return fail(&ServerError{Message: errorMessage(b)})
		}
		if err := r.Add(b); err != nil {
			return fail(err)
		}
	}

	data, err := r.Bytes()
	if err != nil {
		return fail(err)
	}
	sum := sha256.Sum256(data)
	path := filepath.Join(c.outDir, name)
	if err := r.Persist(path); err != nil {
		return fail(fmt.Errorf("write %s: %w", path, err))
	}
	enter(stateComplete)
	c.log.Debugf("[%s] sha256 %x", id, sum)

	return &DownloadResult{
		ID:      id,
		Name:    name,
		Path:    path,
		Size:    meta.TotalSize,
		Chunks:  meta.TotalChunks,
		Elapsed: time.Since(start),
	}, nil
}

// drain discards datagrams still queued from an earlier, aborted transfer so
// they are not read as the next metadata.
func (c *Client) drain(id uuid.UUID) {
	for i := 0; i < maxDrain; i++ {
		b, err := c.transport.Receive(drainWait)
		if err != nil {
			if i > 0 {
				c.log.Debugf("[%s] Discarded %d stale datagram(s)", id, i)
			}
			return
		}
		c.log.Tracef("[%s] Discarding stale %d-byte datagram", id, len(b))
	}
}
