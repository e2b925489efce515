package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/smppgw/gateway/pdu"
	"github.com/smppgw/gateway/provider"
)

func startHandler(t *testing.T, prov provider.Provider) (net.Conn, <-chan pdu.PDU, context.CancelFunc) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	reg := NewRegistry(prov)
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(server, reg, zap.NewNop())
	go h.Serve(ctx)

	return client, readerFor(t, client), cancel
}

func send(t *testing.T, conn net.Conn, p pdu.PDU, seq uint32) {
	t.Helper()
	enc := pdu.NewEncoder(conn, nil)
	if _, err := enc.Encode(p, pdu.EncodeSeq(seq)); err != nil {
		t.Fatal(err)
	}
}

// Scenario 1: enquire-link round trip.
func TestScenarioEnquireLinkRoundTrip(t *testing.T) {
	client, ch, cancel := startHandler(t, provider.NewStaticProvider("", ""))
	defer cancel()

	send(t, client, &pdu.EnquireLink{}, 42)
	p := recv(t, ch)
	if _, ok := p.(*pdu.EnquireLinkResp); !ok {
		t.Fatalf("got %T, want *pdu.EnquireLinkResp", p)
	}
}

// Scenario 2: submit_sm without a prior bind is rejected.
func TestScenarioSubmitWithoutBind(t *testing.T) {
	client, ch, cancel := startHandler(t, provider.NewStaticProvider("", ""))
	defer cancel()

	send(t, client, &pdu.SubmitSm{SourceAddr: "a", DestinationAddr: "b"}, 7)
	p := recv(t, ch)
	if _, ok := p.(*pdu.GenericNack); !ok {
		t.Fatalf("got %T, want *pdu.GenericNack", p)
	}
}

// Scenario 3: submit_sm on a receiver-mode connection is rejected.
func TestScenarioSubmitAsReceiver(t *testing.T) {
	client, ch, cancel := startHandler(t, provider.NewStaticProvider("u", "p"))
	defer cancel()

	send(t, client, &pdu.BindRx{SystemID: "u", Password: "p"}, 1)
	recv(t, ch) // bind_receiver_resp

	send(t, client, &pdu.SubmitSm{SourceAddr: "a", DestinationAddr: "b"}, 3)
	p := recv(t, ch)
	if _, ok := p.(*pdu.GenericNack); !ok {
		t.Fatalf("got %T, want *pdu.GenericNack", p)
	}
}

func TestMalformedFrameGetsGenericNackWithSeqZero(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := NewRegistry(provider.NewStaticProvider("", ""))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHandler(server, reg, zap.NewNop())
	go h.Serve(ctx)

	// An unrecognized command_id: 16-byte header only, length == 16.
	go func() {
		frame := []byte{0, 0, 0, 16, 0xFF, 0xFF, 0xFF, 0xFE, 0, 0, 0, 0, 0, 0, 0, 1}
		client.Write(frame)
	}()

	dec := pdu.NewDecoder(client)
	hdr, p, err := dec.Decode()
	if err != nil {
		t.Fatalf("decoding generic_nack reply: %v", err)
	}
	if _, ok := p.(*pdu.GenericNack); !ok {
		t.Fatalf("got %T, want *pdu.GenericNack", p)
	}
	if hdr.Sequence() != 0 {
		t.Fatalf("Sequence() = %d, want 0", hdr.Sequence())
	}
}

func TestSequenceNumbersStrictlyIncreasing(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := NewConnection(server)

	seqs := make(chan uint32, 3)
	done := make(chan struct{})
	go func() {
		defer close(done)
		dec := pdu.NewDecoder(client)
		for i := 0; i < 3; i++ {
			hdr, _, err := dec.Decode()
			if err != nil {
				t.Error(err)
				return
			}
			seqs <- hdr.Sequence()
		}
	}()

	for i := 0; i < 3; i++ {
		if err := conn.SendAsync(&pdu.EnquireLink{}); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	close(seqs)
	var prev uint32
	for seq := range seqs {
		if seq <= prev {
			t.Fatalf("sequence %d did not increase past %d", seq, prev)
		}
		prev = seq
	}
}
