package main

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btclog"
	"github.com/google/uuid"
	"golang.org/x/net/ipv4"
)

// serverPoll bounds each blocking read so the loop notices Close.
const serverPoll = time.Second

// ServerConfig holds everything a Server needs to bind and serve.
type ServerConfig struct {
	Dir         string
	Listen      *net.UDPAddr
	BufferSize  int
	ChunkSize   int
	MaxFileSize int64
	Pace        time.Duration
	SockBuf     int
	TOS         int
	Clock       clock.Clock
}

// Server answers one request at a time from a single udp4 socket. No state
// survives between requests.
type Server struct {
	cfg  ServerConfig
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	seq  *Sequencer
	log  btclog.Logger

	quit      chan struct{}
	closeOnce sync.Once
}

// NewServer binds the server socket. A bind failure is returned to the caller,
// which treats it as fatal.
func NewServer(cfg ServerConfig, log btclog.Logger) (*Server, error) {
	if log == nil {
		log = btclog.Disabled
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkCapacity(cfg.BufferSize)
	}
	if err := validateChunkCapacity(cfg.ChunkSize, cfg.BufferSize); err != nil {
		return nil, err
	}
	if limit := maxChunkedSize(cfg.ChunkSize); cfg.MaxFileSize > limit {
		return nil, fmt.Errorf("max file size %d exceeds %d, the most %d-byte chunks can carry",
			cfg.MaxFileSize, limit, cfg.ChunkSize)
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Dir = dir

	conn, err := net.ListenUDP("udp4", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("bind %v: %w", cfg.Listen, err)
	}
	tuneUDP(conn, cfg.SockBuf, log)

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		log.Debugf("Destination address reporting unavailable: %v", err)
	}
	if cfg.TOS > 0 {
		if err := pc.SetTOS(cfg.TOS); err != nil {
			log.Debugf("Unable to set TOS %#x: %v", cfg.TOS, err)
		}
	}

	return &Server{
		cfg:  cfg,
		conn: conn,
		pc:   pc,
		seq:  newSequencer(cfg.ChunkSize, cfg.Pace, cfg.Clock, xferLog),
		log:  log,
		quit: make(chan struct{}),
	}, nil
}

// Addr is the bound local address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Serve runs the request loop until Close is called.
func (s *Server) Serve() error {
	s.log.Infof("Serving %s on %v (chunk %d bytes, buffer %d bytes)",
		s.cfg.Dir, s.Addr(), s.cfg.ChunkSize, s.cfg.BufferSize)
	for {
		select {
		case <-s.quit:
			return nil
		default:
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(serverPoll)); err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			return fmt.Errorf("set read deadline: %w", err)
		}
		buf := make([]byte, s.cfg.BufferSize)
		n, cm, src, err := s.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return err
		}
		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		var dst net.IP
		if cm != nil {
			dst = cm.Dst
		}
		s.handleRequest(buf[:n], udpSrc, dst)
	}
}

// Close stops Serve and releases the socket.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.conn.Close()
	})
	return err
}

// handleRequest serves one request to completion. Every failure before the
// stream starts is answered with an ErrorResponse.
func (s *Server) handleRequest(req []byte, src *net.UDPAddr, dst net.IP) {
	id := uuid.New()
	send := func(b []byte) error {
		_, err := s.conn.WriteToUDP(b, src)
		return err
	}

	name, err := decodeRequest(req)
	if err == nil {
		err = validateFileName(name)
	}
	var data []byte
	if err == nil {
		data, err = s.loadFile(name)
	}
	if err != nil {
		s.log.Warnf("[%s] Rejected request from %v: %v", id, src, err)
		if serr := send(encodeError(err.Error())); serr != nil {
			s.log.Errorf("[%s] Unable to send error to %v: %v", id, src, serr)
		}
		return
	}

	if dst != nil {
		s.log.Infof("[%s] %v requested %q via %v", id, src, name, dst)
	} else {
		s.log.Infof("[%s] %v requested %q", id, src, name)
	}
	start := time.Now()
	meta, err := s.seq.Transmit(data, send)
	if errors.Is(err, ErrFileTooLarge) {
		s.log.Warnf("[%s] Refused %q to %v: %v", id, name, src, err)
		if serr := send(encodeError(err.Error())); serr != nil {
			s.log.Errorf("[%s] Unable to send error to %v: %v", id, src, serr)
		}
		return
	}
	if err != nil {
		s.log.Errorf("[%s] Transfer of %q to %v aborted: %v", id, name, src, err)
		return
	}
	s.log.Infof("[%s] Sent %q (%d bytes, %d chunks) in %v",
		id, name, meta.TotalSize, meta.TotalChunks, time.Since(start).Round(time.Millisecond))
	s.log.Debugf("[%s] sha256 %x", id, sha256.Sum256(data))
}

// loadFile reads a validated name from the served directory and maps
// filesystem failures onto the protocol's error kinds.
func (s *Server) loadFile(name string) ([]byte, error) {
	path := filepath.Join(s.cfg.Dir, name)
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s: permission denied", ErrFileUnreadable, name)
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %v", ErrFileReadFailure, name, err)
	case !fi.Mode().IsRegular():
		return nil, fmt.Errorf("%w: %s: not a regular file", ErrFileUnreadable, name)
	case s.cfg.MaxFileSize > 0 && fi.Size() > s.cfg.MaxFileSize:
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, name, fi.Size(), s.cfg.MaxFileSize)
	case fi.Size() > maxChunkedSize(s.cfg.ChunkSize):
		return nil, fmt.Errorf("%w: %s is %d bytes, more than %d-byte chunks can index",
			ErrFileTooLarge, name, fi.Size(), s.cfg.ChunkSize)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s: permission denied", ErrFileUnreadable, name)
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %v", ErrFileReadFailure, name, err)
	}
	return data, nil
}
