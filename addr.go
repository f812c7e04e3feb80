package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// resolveUDPAddr accepts "host", "host:port", ":port" or a multiaddr such as
// /ip4/10.0.0.5/udp/9091 and returns an IPv4 UDP address. defaultPort fills
// in a missing port.
func resolveUDPAddr(s string, defaultPort int) (*net.UDPAddr, error) {
	if strings.HasPrefix(s, "/") {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("parse multiaddr %q: %w", s, err)
		}
		na, err := manet.ToNetAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("multiaddr %q: %w", s, err)
		}
		ua, ok := na.(*net.UDPAddr)
		if !ok || ua.IP.To4() == nil {
			return nil, fmt.Errorf("multiaddr %q is not an /ip4/.../udp/... address", s)
		}
		return ua, nil
	}

	host, port := s, defaultPort
	if h, p, err := net.SplitHostPort(s); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port %q", p)
		}
		host, port = h, n
	}
	return net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
}
