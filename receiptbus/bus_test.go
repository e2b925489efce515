package receiptbus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/smppgw/gateway/pdu"
)

func TestFrameRoundTrip(t *testing.T) {
	d := &pdu.DeliverSm{
		SourceAddr:      "dest",
		DestinationAddr: "source",
		ShortMessage:    "id:deadbeef sub:001 dlvrd:1 submit date:0101010101 done date:0101010101 stat:DELIVRD err:0 text:hi",
	}
	frame, err := encodeFrame("mtc", d)
	if err != nil {
		t.Fatal(err)
	}
	gotID, gotD, err := decodeFrame(&sliceReader{b: frame})
	if err != nil {
		t.Fatal(err)
	}
	if gotID != "mtc" {
		t.Fatalf("system_id = %q, want mtc", gotID)
	}
	if gotD.ShortMessage != d.ShortMessage {
		t.Fatalf("ShortMessage = %q, want %q", gotD.ShortMessage, d.ShortMessage)
	}
}

type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.b[r.pos:])
	r.pos += n
	if n == 0 {
		return 0, errEOF
	}
	return n, nil
}

var errEOF = errEOFType{}

type errEOFType struct{}

func (errEOFType) Error() string { return "EOF" }

func TestPublishSubscribeFanOut(t *testing.T) {
	log := zap.NewNop()
	pubBus, err := NewBus("127.0.0.1:0", log)
	if err != nil {
		t.Fatal(err)
	}
	defer pubBus.Close()

	subBus, err := NewBus("127.0.0.1:0", log)
	if err != nil {
		t.Fatal(err)
	}
	defer subBus.Close()

	received := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go subBus.Subscribe(ctx, pubBus.ln.Addr().String(), func(systemID string, d *pdu.DeliverSm) {
		received <- systemID
	})

	// Give the subscriber time to connect before publishing.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pubBus.mu.Lock()
		n := len(pubBus.subscribers)
		pubBus.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := pubBus.Publish("mtc", &pdu.DeliverSm{SourceAddr: "a", DestinationAddr: "b"}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got != "mtc" {
			t.Fatalf("systemID = %q, want mtc", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fan-out delivery")
	}
}
