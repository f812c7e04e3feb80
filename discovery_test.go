package main

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponderAnswer(t *testing.T) {
	d := newResponder("files", 9091, 0, nil)

	reply, ok := d.answer([]byte(`{"t":"QR","id":"abc","v":1}`))
	require.True(t, ok)
	var msg discoveryMsg
	require.NoError(t, json.Unmarshal(reply, &msg))
	assert.Equal(t, msgAnswer, msg.Type)
	assert.Equal(t, "files", msg.Name)
	assert.Equal(t, 9091, msg.Port)
	assert.Equal(t, d.id, msg.ID)

	for _, in := range []string{`{"t":"AN","name":"x","port":1}`, `not json`, `{}`} {
		_, ok := d.answer([]byte(in))
		assert.False(t, ok, in)
	}
}

func TestParseAnswer(t *testing.T) {
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	p, ok := parseAnswer([]byte(`{"t":"AN","id":"x1","name":"files","port":9091,"v":1}`), src)
	require.True(t, ok)
	assert.Equal(t, "files", p.Name)
	assert.Equal(t, "192.168.1.20", p.Host)
	assert.Equal(t, 9091, p.Port)
	assert.Equal(t, "192.168.1.20:9091", p.Addr().String())

	p, ok = parseAnswer([]byte(`{"t":"AN","port":9091}`), src)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.20", p.Name)
	assert.Equal(t, "192.168.1.20:9091", p.ID)

	for _, in := range []string{`{"t":"QR"}`, `{"t":"AN"}`, `{"t":"AN","port":-1}`, `[]`} {
		_, ok := parseAnswer([]byte(in), src)
		assert.False(t, ok, in)
	}
}

func TestFindPeer(t *testing.T) {
	peers := []*Peer{
		{ID: "1", Name: "alpha", Host: "10.0.0.1", Port: 9091},
		{ID: "2", Name: "beta", Host: "10.0.0.2", Port: 9091},
	}
	assert.Equal(t, "1", findPeer(peers, "alpha").ID)
	assert.Equal(t, "2", findPeer(peers, "10.0.0.2").ID)
	assert.Nil(t, findPeer(peers, "gamma"))
	assert.Nil(t, findPeer(nil, "alpha"))
}

// The responder also answers queries sent straight to its port, which works
// without multicast routing.
func TestResponderUnicastQuery(t *testing.T) {
	d := newResponder("files", 9091, 0, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	port := d.conn.LocalAddr().(*net.UDPAddr).Port
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"t":"QR","id":"q"}`))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	p, ok := parseAnswer(buf[:n], &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.True(t, ok)
	assert.Equal(t, "files", p.Name)
	assert.Equal(t, 9091, p.Port)
}
