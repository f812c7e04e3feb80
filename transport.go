package main

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"golang.org/x/net/ipv4"
)

// errTimeout marks a receive that saw no datagram before its deadline.
var errTimeout = errors.New("receive timed out")

// Transport is one client-side datagram endpoint bound to a single server.
// Receive returns a freshly allocated slice on every call.
type Transport interface {
	Send(payload []byte) error
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// udpTransport is a connected udp4 socket.
type udpTransport struct {
	conn       *net.UDPConn
	bufferSize int
}

// dialUDP connects to the server and applies the socket tuning options.
func dialUDP(raddr *net.UDPAddr, bufferSize, sockBuf, tos int, log btclog.Logger) (*udpTransport, error) {
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	tuneUDP(conn, sockBuf, log)
	if tos > 0 {
		if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
			log.Debugf("Unable to set TOS %#x: %v", tos, err)
		}
	}
	return &udpTransport{conn: conn, bufferSize: bufferSize}, nil
}

func (t *udpTransport) Send(payload []byte) error {
	if len(payload) > t.bufferSize {
		return fmt.Errorf("datagram of %d bytes exceeds buffer size %d", len(payload), t.bufferSize)
	}
	_, err := t.conn.Write(payload)
	return err
}

func (t *udpTransport) Receive(timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, t.bufferSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, errTimeout
		}
		return nil, err
	}
	return buf[:n], nil
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}

func (t *udpTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// tuneUDP sizes the kernel socket buffers. The kernel may clamp the values.
func tuneUDP(conn *net.UDPConn, size int, log btclog.Logger) {
	if size <= 0 {
		return
	}
	if err := conn.SetReadBuffer(size); err != nil {
		log.Debugf("Unable to set read buffer to %d: %v", size, err)
	}
	if err := conn.SetWriteBuffer(size); err != nil {
		log.Debugf("Unable to set write buffer to %d: %v", size, err)
	}
}

// lossyTransport drops received datagrams with a fixed probability. A dropped
// datagram costs the attempt it arrived in, as if it never reached the socket.
type lossyTransport struct {
	Transport
	rate float64

	mu  sync.Mutex
	rnd *rand.Rand
	log btclog.Logger
}

func newLossyTransport(t Transport, rate float64, seed int64, log btclog.Logger) *lossyTransport {
	if log == nil {
		log = btclog.Disabled
	}
	return &lossyTransport{Transport: t, rate: rate, rnd: rand.New(rand.NewSource(seed)), log: log}
}

func (l *lossyTransport) Receive(timeout time.Duration) ([]byte, error) {
	b, err := l.Transport.Receive(timeout)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	drop := l.rnd.Float64() < l.rate
	l.mu.Unlock()
	if drop {
		l.log.Debugf("Dropped %d-byte datagram (simulated loss)", len(b))
		return nil, errTimeout
	}
	return b, nil
}
