package main

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/google/uuid"
	"golang.org/x/net/ipv4"
)

// ─────────────────────────────────────────────────────────────────────────────
// SERVER DISCOVERY
//
//	client -> group   {"t":"QR","id":...}
//	server -> client  {"t":"AN","id":...,"name":...,"port":...,"v":1}
// ─────────────────────────────────────────────────────────────────────────────

const (
	mcastGroup    = "239.255.42.42"
	mcastPort     = 9092
	mcastTTL      = 4
	discoveryWait = time.Second
	discVersion   = 1

	msgQuery  = "QR"
	msgAnswer = "AN"
)

type discoveryMsg struct {
	Type string `json:"t"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Port int    `json:"port,omitempty"`
	V    int    `json:"v,omitempty"`
}

// Peer is a server that answered a discovery query.
type Peer struct {
	ID   string
	Name string
	Host string
	Port int
	Seen time.Time
}

func (p *Peer) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(p.Host), Port: p.Port}
}

// Responder answers discovery queries on behalf of a running server. It is
// the only goroutine a server runs besides its request loop.
type Responder struct {
	name string
	id   string
	port int

	listenPort int
	conn       *net.UDPConn
	log        btclog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newResponder(name string, port, listenPort int, log btclog.Logger) *Responder {
	if log == nil {
		log = btclog.Disabled
	}
	return &Responder{
		name:       name,
		id:         uuid.NewString(),
		port:       port,
		listenPort: listenPort,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// Start joins the discovery group and answers queries until Stop.
func (d *Responder) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.listenPort})
	if err != nil {
		return err
	}
	d.conn = conn

	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.ParseIP(mcastGroup)}
	joined := 0
	if iface, _ := bestInterface(); iface != nil {
		if err := pc.JoinGroup(iface, group); err == nil {
			joined++
		}
	}
	if joined == 0 {
		ifaces, _ := net.Interfaces()
		for i := range ifaces {
			if pc.JoinGroup(&ifaces[i], group) == nil {
				joined++
			}
		}
	}
	if joined == 0 {
		d.log.Warnf("Unable to join %s on any interface; only direct queries will be answered", mcastGroup)
	}
	pc.SetMulticastLoopback(true)

	d.wg.Add(1)
	go d.loop()
	d.log.Infof("Announcing %q on %s:%d", d.name, mcastGroup, d.listenPort)
	return nil
}

func (d *Responder) Stop() {
	close(d.stopCh)
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
}

func (d *Responder) loop() {
	defer d.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		if err := d.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			d.log.Debugf("Discovery responder stopping: %v", err)
			return
		}
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return
		}
		reply, ok := d.answer(buf[:n])
		if !ok {
			continue
		}
		if _, err := d.conn.WriteToUDP(reply, src); err != nil {
			d.log.Debugf("Unable to answer %v: %v", src, err)
			continue
		}
		d.log.Debugf("Answered discovery query from %v", src)
	}
}

// answer builds the reply to a datagram, if it is a query.
func (d *Responder) answer(b []byte) ([]byte, bool) {
	var msg discoveryMsg
	if json.Unmarshal(b, &msg) != nil || msg.Type != msgQuery {
		return nil, false
	}
	reply, err := json.Marshal(discoveryMsg{
		Type: msgAnswer, ID: d.id, Name: d.name, Port: d.port, V: discVersion,
	})
	if err != nil {
		return nil, false
	}
	return reply, true
}

// bestInterface picks the first up, non-loopback interface with an address.
func bestInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if _, ok := addr.(*net.IPNet); ok {
				return &iface, nil
			}
		}
	}
	return nil, nil
}

// findServers multicasts a query to groupPort and collects answers for wait.
func findServers(groupPort int, wait time.Duration, log btclog.Logger) ([]*Peer, error) {
	if log == nil {
		log = btclog.Disabled
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	pc.SetMulticastTTL(mcastTTL)
	pc.SetMulticastLoopback(true)
	if iface, _ := bestInterface(); iface != nil {
		pc.SetMulticastInterface(iface)
	}

	query, _ := json.Marshal(discoveryMsg{Type: msgQuery, ID: uuid.NewString(), V: discVersion})
	dst := &net.UDPAddr{IP: net.ParseIP(mcastGroup), Port: groupPort}
	if _, err := conn.WriteToUDP(query, dst); err != nil {
		return nil, fmt.Errorf("send discovery query: %w", err)
	}

	peers := make(map[string]*Peer)
	deadline := time.Now().Add(wait)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, 2048)
	for time.Now().Before(deadline) {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		if p, ok := parseAnswer(buf[:n], src); ok {
			peers[p.ID] = p
			log.Debugf("Server %q answered from %s:%d", p.Name, p.Host, p.Port)
		}
	}

	out := make([]*Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// parseAnswer turns a reply into a Peer. The host is taken from the packet
// source, the port from the message.
func parseAnswer(b []byte, src *net.UDPAddr) (*Peer, bool) {
	var msg discoveryMsg
	if json.Unmarshal(b, &msg) != nil || msg.Type != msgAnswer || msg.Port <= 0 {
		return nil, false
	}
	host := src.IP.String()
	if msg.Name == "" {
		msg.Name = host
	}
	if msg.ID == "" {
		msg.ID = net.JoinHostPort(host, strconv.Itoa(msg.Port))
	}
	return &Peer{ID: msg.ID, Name: msg.Name, Host: host, Port: msg.Port, Seen: time.Now()}, true
}

// findPeer returns the peer whose name or host matches nameOrIP.
func findPeer(peers []*Peer, nameOrIP string) *Peer {
	for _, p := range peers {
		if p.Name == nameOrIP || p.Host == nameOrIP {
			return p
		}
	}
	return nil
}
