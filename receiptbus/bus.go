// Package receiptbus implements the cross-worker receipt fan-out fabric:
// each worker publishes synthesized delivery receipts to its own endpoint
// and subscribes to every worker's endpoint (including its own), so a
// receipt originated on one worker reaches receiver connections on every
// worker.
//
// Wire framing is a thin, purpose-built TCP protocol (no ZeroMQ-style
// library appears anywhere in the dependency pack this gateway draws
// from): a 4-byte big-endian length prefix, a NUL-terminated system_id,
// then the receipt's deliver_sm PDU in its normal wire encoding.
package receiptbus

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smppgw/gateway/pdu"
)

// Handler is invoked once per message received from any publisher
// (including the local one) carrying the system_id the receipt is for.
type Handler func(systemID string, d *pdu.DeliverSm)

// Bus owns one publisher listener and a set of subscriber connections
// dialed to peer publish addresses.
type Bus struct {
	log *zap.Logger

	mu          sync.Mutex
	subscribers map[net.Conn]struct{}
	ln          net.Listener
}

// NewBus starts listening on publishAddr for subscriber connections. Call
// Subscribe separately for each peer address (including publishAddr
// itself) to complete the mesh.
func NewBus(publishAddr string, log *zap.Logger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", publishAddr)
	if err != nil {
		return nil, fmt.Errorf("receiptbus: listening on %s: %w", publishAddr, err)
	}
	b := &Bus{log: log, subscribers: make(map[net.Conn]struct{}), ln: ln}
	go b.acceptLoop()
	return b, nil
}

func (b *Bus) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.subscribers[conn] = struct{}{}
		b.mu.Unlock()
	}
}

// Publish writes systemID and d, framed, to every subscriber currently
// connected to this bus's publisher endpoint. Delivery is best-effort: a
// slow or dead subscriber is dropped rather than blocking the publisher.
func (b *Bus) Publish(systemID string, d *pdu.DeliverSm) error {
	frame, err := encodeFrame(systemID, d)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.subscribers {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Write(frame); err != nil {
			conn.Close()
			delete(b.subscribers, conn)
		}
	}
	return nil
}

// Subscribe dials peerAddr and loops, invoking onReceipt for every frame
// received, until ctx is cancelled. It reconnects with backoff on
// transport failure so a peer worker restarting does not permanently
// sever the mesh.
func (b *Bus) Subscribe(ctx context.Context, peerAddr string, onReceipt Handler) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := net.Dial("tcp", peerAddr)
		if err != nil {
			b.log.Warn("receiptbus: dial failed", zap.String("peer", peerAddr), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 10*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		b.readLoop(ctx, conn, onReceipt)
	}
}

func (b *Bus) readLoop(ctx context.Context, conn net.Conn, onReceipt Handler) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		systemID, d, err := decodeFrame(conn)
		if err != nil {
			if err != io.EOF {
				b.log.Warn("receiptbus: decoding frame", zap.Error(err))
			}
			return
		}
		onReceipt(systemID, d)
	}
}

// Close stops accepting new subscribers and closes all currently
// connected ones.
func (b *Bus) Close() error {
	err := b.ln.Close()
	b.mu.Lock()
	for conn := range b.subscribers {
		conn.Close()
	}
	b.subscribers = make(map[net.Conn]struct{})
	b.mu.Unlock()
	return err
}

func encodeFrame(systemID string, d *pdu.DeliverSm) ([]byte, error) {
	body, err := d.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("receiptbus: encoding deliver_sm: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(systemID)
	buf.WriteByte(0)
	buf.Write(body)
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(buf.Len()))
	copy(out[4:], buf.Bytes())
	return out, nil
}

func decodeFrame(r io.Reader) (string, *pdu.DeliverSm, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, err
	}
	idx := bytes.IndexByte(payload, 0)
	if idx < 0 {
		return "", nil, fmt.Errorf("receiptbus: frame missing system_id terminator")
	}
	systemID := string(payload[:idx])
	d := &pdu.DeliverSm{}
	if err := d.UnmarshalBinary(payload[idx+1:]); err != nil {
		return "", nil, fmt.Errorf("receiptbus: decoding deliver_sm: %w", err)
	}
	return systemID, d, nil
}
