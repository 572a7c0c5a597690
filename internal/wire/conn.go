package wire

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Hello is the handshake payload a client sends immediately after
// connecting (spec §4.1, §4.6): its identity and the host it runs on. The
// pre-shared token itself is never transmitted — it only ever exists as
// the AEAD key, so a wrong token manifests as an ErrAuth on this very
// frame rather than as a credential comparison.
type Hello struct {
	ClientID   string `json:"clientID"`
	ClientHost string `json:"clientHost"`
}

// HelloAck is the server's handshake reply.
type HelloAck struct {
	ServerID   string `json:"serverID"`
	ServerHost string `json:"serverHost"`
}

// Conn wraps a net.Conn with the frame codec and serializes writes, since
// the heartbeat goroutine and the main send/receive loop on the client
// side share one socket (spec §4.6).
type Conn struct {
	nc   net.Conn
	aead cipherAEAD

	writeMu sync.Mutex
}

// newConn builds a Conn over an already-connected socket.
func newConn(nc net.Conn, aead cipherAEAD) *Conn {
	return &Conn{nc: nc, aead: aead}
}

// Dial connects to addr, performs the handshake as a client, and returns
// the ready connection plus the server's HelloAck.
func Dial(addr, token, clientID, clientHost string, timeout time.Duration) (*Conn, HelloAck, error) {
	var ack HelloAck
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, ack, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return DialConn(nc, token, clientID, clientHost)
}

// DialConn performs the client side of the handshake over an
// already-connected socket nc. Dial uses this after establishing a TCP
// connection; tests exercising the protocol over net.Pipe call it
// directly.
func DialConn(nc net.Conn, token, clientID, clientHost string) (*Conn, HelloAck, error) {
	var ack HelloAck
	aead, err := NewAEAD(token)
	if err != nil {
		nc.Close()
		return nil, ack, err
	}
	c := newConn(nc, aead)

	payload, err := json.Marshal(Hello{ClientID: clientID, ClientHost: clientHost})
	if err != nil {
		nc.Close()
		return nil, ack, fmt.Errorf("wire: marshal hello: %w", err)
	}
	if err := c.send(TagHello, payload); err != nil {
		nc.Close()
		return nil, ack, err
	}

	tag, body, err := ReadFrame(c.nc, c.aead)
	if err != nil {
		nc.Close()
		return nil, ack, err
	}
	if tag != TagHelloAck {
		nc.Close()
		return nil, ack, fmt.Errorf("wire: expected hello-ack, got tag %d", tag)
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		nc.Close()
		return nil, ack, fmt.Errorf("wire: unmarshal hello-ack: %w", err)
	}
	return c, ack, nil
}

// Accept performs the server side of the handshake over an already
// accepted socket: read the client's Hello, reply with HelloAck.
func Accept(nc net.Conn, token, serverID, serverHost string) (*Conn, Hello, error) {
	var hello Hello
	aead, err := NewAEAD(token)
	if err != nil {
		nc.Close()
		return nil, hello, err
	}
	c := newConn(nc, aead)

	tag, body, err := ReadFrame(c.nc, c.aead)
	if err != nil {
		nc.Close()
		return nil, hello, err
	}
	if tag != TagHello {
		nc.Close()
		return nil, hello, fmt.Errorf("wire: expected hello, got tag %d", tag)
	}
	if err := json.Unmarshal(body, &hello); err != nil {
		nc.Close()
		return nil, hello, fmt.Errorf("wire: unmarshal hello: %w", err)
	}

	ack, err := json.Marshal(HelloAck{ServerID: serverID, ServerHost: serverHost})
	if err != nil {
		nc.Close()
		return nil, hello, fmt.Errorf("wire: marshal hello-ack: %w", err)
	}
	if err := c.send(TagHelloAck, ack); err != nil {
		nc.Close()
		return nil, hello, err
	}
	return c, hello, nil
}

// send serializes concurrent writers onto the socket.
func (c *Conn) send(tag Tag, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.nc, c.aead, tag, payload)
}

// SendJSON marshals v and sends it tagged as tag.
func (c *Conn) SendJSON(tag Tag, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	return c.send(tag, payload)
}

// SendEmpty sends a tag with no payload, used for HEARTBEAT/ACK/DISCONNECT.
func (c *Conn) SendEmpty(tag Tag) error {
	return c.send(tag, nil)
}

// Recv reads the next frame. Only one goroutine may call Recv on a given
// Conn; reads are not serialized the way writes are.
func (c *Conn) Recv() (Tag, []byte, error) {
	return ReadFrame(c.nc, c.aead)
}

// SetReadDeadline proxies to the underlying socket, letting callers bound
// how long they wait for a heartbeat or bundle before declaring the peer
// gone.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.nc.Close()
}
