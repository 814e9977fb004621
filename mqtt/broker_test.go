package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MQTT control packet types (upper nibble of the fixed header)
const (
	packetConnect    = 0x10
	packetPublish    = 0x30
	packetPingreq    = 0xc0
	packetDisconnect = 0xe0
)

// MQTT 5 CONNACK: no session present, success, no properties
var connack = []byte{0x20, 0x03, 0x00, 0x00, 0x00}

type packet struct {
	kind byte
	body []byte
}

// testBroker accepts TLS connections and answers CONNECT with a fixed
// CONNACK. Received packets are forwarded on packets.
type testBroker struct {
	listener net.Listener
	packets  chan packet
}

func startBroker(t *testing.T, cert tls.Certificate) *testBroker {
	t.Helper()
	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	b := &testBroker{listener: l, packets: make(chan packet, 32)}
	t.Cleanup(func() { l.Close() })
	go b.serve()
	return b
}

func (b *testBroker) port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

func (b *testBroker) serve() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		go b.handle(conn)
	}
}

func (b *testBroker) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		p, err := readPacket(r)
		if err != nil {
			return
		}
		select {
		case b.packets <- p:
		default:
		}
		switch p.kind {
		case packetConnect:
			if _, err := conn.Write(connack); err != nil {
				return
			}
		case packetPingreq:
			if _, err := conn.Write([]byte{0xd0, 0x00}); err != nil {
				return
			}
		case packetDisconnect:
			return
		}
	}
}

// await returns the next packet of the given kind.
func (b *testBroker) await(t *testing.T, kind byte) packet {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p := <-b.packets:
			if p.kind == kind {
				return p
			}
		case <-timeout:
			t.Fatalf("no packet 0x%x received", kind)
		}
	}
}

func readPacket(r *bufio.Reader) (packet, error) {
	header, err := r.ReadByte()
	if err != nil {
		return packet{}, err
	}
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return packet{}, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}
	return packet{kind: header & 0xf0, body: body}, nil
}

// MQTT variable byte integers share the LEB128 encoding of uvarint.
func skipProperties(b []byte) []byte {
	n, size := binary.Uvarint(b)
	return b[size+int(n):]
}

func readString(b []byte) (string, []byte) {
	n := int(binary.BigEndian.Uint16(b))
	return string(b[2 : 2+n]), b[2+n:]
}

type connectPacket struct {
	clientID, username, password string
}

func parseConnect(body []byte) connectPacket {
	_, b := readString(body) // protocol name
	flags := b[1]
	b = skipProperties(b[4:]) // version, flags, keep alive
	var c connectPacket
	c.clientID, b = readString(b)
	if flags&0x80 != 0 {
		c.username, b = readString(b)
	}
	if flags&0x40 != 0 {
		c.password, _ = readString(b)
	}
	return c
}

// topic and payload of a QoS 0 PUBLISH
func parsePublish(body []byte) (string, []byte) {
	topic, b := readString(body)
	return topic, skipProperties(b)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func captureLog(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	previous := log.Logger
	log.Logger = zerolog.New(buf)
	t.Cleanup(func() { log.Logger = previous })
	return buf
}

func TestConnectPublishClose(t *testing.T) {
	ca := newCA(t)
	broker := startBroker(t, ca.serverCert(t))
	logs := captureLog(t)

	cfg := fixture(t)
	cfg.CAPath = ca.path
	cfg.Port = broker.port()
	cfg.ConnectGrace = 5 * time.Second
	client, err := NewClient(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// connect
	require.NoError(t, client.Connect(ctx))
	assert.True(t, client.IsConnected())
	connect := parseConnect(broker.await(t, packetConnect).body)
	assert.Equal(t, connectPacket{clientID: "abc123", username: "device", password: "secret"}, connect)

	// publish
	require.NoError(t, client.Publish(ctx, "devices/abc123/readings", []byte(`{"temperature":68}`)))
	topic, payload := parsePublish(broker.await(t, packetPublish).body)
	assert.Equal(t, "devices/abc123/readings", topic)
	assert.Equal(t, `{"temperature":68}`, string(payload))
	assert.Contains(t, logs.String(), "Message Published")

	// close sends DISCONNECT and stops the manager
	require.NoError(t, client.Close(ctx))
	broker.await(t, packetDisconnect)
	assert.False(t, client.IsConnected())
	select {
	case <-client.client.Done():
	default:
		t.Error("connection manager still running after Close")
	}
}

func TestConnectRejectsUntrustedCertificate(t *testing.T) {
	trusted := newCA(t)
	untrusted := newCA(t)
	broker := startBroker(t, untrusted.serverCert(t))

	cfg := fixture(t)
	cfg.CAPath = trusted.path
	cfg.Port = broker.port()
	cfg.ConnectGrace = 500 * time.Millisecond
	client, err := NewClient(cfg)
	require.NoError(t, err)

	err = client.Connect(context.Background())

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, client.IsConnected())
	select {
	case p := <-broker.packets:
		t.Errorf("broker received packet 0x%x over an untrusted session", p.kind)
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, client.Close(ctx))
}

func TestCloseAfterStoppedIgnoresExpiredContext(t *testing.T) {
	client, err := NewClient(fixture(t))
	require.NoError(t, err)
	require.ErrorIs(t, client.Connect(context.Background()), ErrNotConnected)

	client.stop()
	<-client.client.Done()

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 20; i++ {
		err := client.awaitStopped(expired)
		require.False(t, errors.Is(err, context.Canceled), "stopped manager reported as %v", err)
	}
	assert.NoError(t, client.Close(expired))
}
