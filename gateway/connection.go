// Package gateway implements the SMPP session registry, the per-session
// message dispatcher, and the per-connection bind state machine and read
// loop that together form the protocol engine of one worker process.
package gateway

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/smppgw/gateway/pdu"
)

// BindMode is the connection's current bind state.
type BindMode int

const (
	Unbound BindMode = iota
	Receiver
	Transmitter
	Transceiver
)

func (m BindMode) String() string {
	switch m {
	case Receiver:
		return "RECEIVER"
	case Transmitter:
		return "TRANSMITTER"
	case Transceiver:
		return "TRANSCEIVER"
	default:
		return "UNBOUND"
	}
}

// CanReceive reports whether a connection in this mode is a valid target
// for delivery-receipt fan-out.
func (m BindMode) CanReceive() bool {
	return m == Receiver || m == Transceiver
}

// CanSubmit reports whether a connection in this mode may originate
// submit_sm requests.
func (m BindMode) CanSubmit() bool {
	return m == Transmitter || m == Transceiver
}

// Connection wraps one accepted socket: its bind mode, its owning Session
// (nil when UNBOUND), and the write serialization and sequence-number
// bookkeeping server-originated PDUs need.
type Connection struct {
	conn net.Conn

	mu      sync.Mutex // serializes writes
	mode    BindMode
	session *Session

	lastSeqOut uint32 // atomic
}

// NewConnection wraps an accepted net.Conn.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{conn: conn, mode: Unbound}
}

// Mode returns the connection's current bind mode.
func (c *Connection) Mode() BindMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Connection) setMode(m BindMode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// Session returns the connection's owning Session, or nil if UNBOUND.
func (c *Connection) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// nextSeq assigns the next strictly increasing sequence number for a
// server-originated PDU on this connection.
func (c *Connection) nextSeq() uint32 {
	return atomic.AddUint32(&c.lastSeqOut, 1)
}

// WriteResponse encodes p with the echoed request sequence and status,
// serialized against any concurrent server-originated sends on this
// connection.
func (c *Connection) WriteResponse(p pdu.PDU, seq uint32, status pdu.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc := pdu.NewEncoder(c.conn, nil)
	_, err := enc.Encode(p, pdu.EncodeSeq(seq), pdu.EncodeStatus(status))
	return err
}

// SendAsync encodes p with a freshly assigned sequence number, for
// server-originated PDUs such as delivery receipts.
func (c *Connection) SendAsync(p pdu.PDU) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Assigned under the write lock so sequence numbers reach the wire
	// in increasing order.
	seq := c.nextSeq()
	enc := pdu.NewEncoder(c.conn, nil)
	_, err := enc.Encode(p, pdu.EncodeSeq(seq))
	return err
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}
