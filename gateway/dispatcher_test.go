package gateway

import (
	"context"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/smppgw/gateway/pdu"
	"github.com/smppgw/gateway/provider"
)

// readerFor drains decoded PDUs from conn into a channel, unblocking
// whatever synchronous net.Pipe writes the dispatcher performs.
func readerFor(t *testing.T, conn net.Conn) <-chan pdu.PDU {
	t.Helper()
	ch := make(chan pdu.PDU, 8)
	go func() {
		dec := pdu.NewDecoder(conn)
		for {
			_, p, err := dec.Decode()
			if err != nil {
				close(ch)
				return
			}
			ch <- p
		}
	}()
	return ch
}

func recv(t *testing.T, ch <-chan pdu.PDU) pdu.PDU {
	t.Helper()
	select {
	case p, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before expected PDU arrived")
		}
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PDU")
	}
	return nil
}

func newBoundSession(t *testing.T, prov provider.Provider, mode BindMode, systemID, password string) (*Registry, *Connection, <-chan pdu.PDU) {
	t.Helper()
	reg := NewRegistry(prov)
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	conn := NewConnection(server)
	if _, err := reg.Bind(context.Background(), conn, mode, systemID, password); err != nil {
		t.Fatal(err)
	}
	return reg, conn, readerFor(t, client)
}

func TestHandleSubmitEmitsReceiptOnYesDeliveryReceipt(t *testing.T) {
	prov := provider.NewStaticProvider("mtc", "pwd", provider.OK)
	reg, txConn, txCh := newBoundSession(t, prov, Transmitter, "mtc", "pwd")

	rxServer, rxClient := net.Pipe()
	defer rxClient.Close()
	rx := NewConnection(rxServer)
	if _, err := reg.Bind(context.Background(), rx, Receiver, "mtc", "pwd"); err != nil {
		t.Fatal(err)
	}
	rxCh := readerFor(t, rxClient)

	sess := txConn.Session()
	sm := pdu.SubmitSm{
		SourceAddr:         "source",
		DestinationAddr:    "dest",
		ShortMessage:       "Hello world!",
		RegisteredDelivery: pdu.ParseRegisteredDelivery(pdu.YesDeliveryReceipt),
	}

	go sess.Dispatcher().HandleSubmit(context.Background(), txConn, sess, 10, sm)

	resp := recv(t, txCh)
	submitResp, ok := resp.(*pdu.SubmitSmResp)
	if !ok {
		t.Fatalf("got %T, want *pdu.SubmitSmResp", resp)
	}
	if submitResp.MessageID == "" {
		t.Fatal("expected a non-empty message_id")
	}

	deliver := recv(t, rxCh)
	d, ok := deliver.(*pdu.DeliverSm)
	if !ok {
		t.Fatalf("got %T, want *pdu.DeliverSm", deliver)
	}
	if d.EsmClass.Type != pdu.DelRecEsmType {
		t.Fatalf("EsmClass.Type = %v, want DelRecEsmType", d.EsmClass.Type)
	}
	want := regexp.MustCompile(`^id:` + submitResp.MessageID + ` sub:001 dlvrd:1 .* stat:DELIVRD err:0 text:Hello world!`)
	if !want.MatchString(d.ShortMessage) {
		t.Fatalf("receipt body %q did not match %s", d.ShortMessage, want)
	}
	if d.SourceAddr != "dest" || d.DestinationAddr != "source" {
		t.Fatalf("expected source/destination swap, got source=%q dest=%q", d.SourceAddr, d.DestinationAddr)
	}
}

func TestHandleSubmitFailDeliveryReceiptOnlyOnFailure(t *testing.T) {
	prov := provider.NewStaticProvider("mtc", "pwd", provider.Undeliverable)
	reg, txConn, txCh := newBoundSession(t, prov, Transmitter, "mtc", "pwd")

	rxServer, rxClient := net.Pipe()
	defer rxClient.Close()
	rx := NewConnection(rxServer)
	if _, err := reg.Bind(context.Background(), rx, Receiver, "mtc", "pwd"); err != nil {
		t.Fatal(err)
	}
	rxCh := readerFor(t, rxClient)

	sess := txConn.Session()
	sm := pdu.SubmitSm{
		SourceAddr:         "source",
		DestinationAddr:    "dest",
		ShortMessage:       "body",
		RegisteredDelivery: pdu.ParseRegisteredDelivery(pdu.FailDeliveryReceipt),
	}
	go sess.Dispatcher().HandleSubmit(context.Background(), txConn, sess, 1, sm)

	recv(t, txCh) // submit_sm_resp
	deliver := recv(t, rxCh)
	d := deliver.(*pdu.DeliverSm)
	if !regexp.MustCompile(`stat:UNDELIV`).MatchString(d.ShortMessage) {
		t.Fatalf("expected UNDELIV stat, got %q", d.ShortMessage)
	}
}

func TestHandleSubmitNoReceiptWhenNotRequested(t *testing.T) {
	prov := provider.NewStaticProvider("mtc", "pwd", provider.OK)
	reg, txConn, txCh := newBoundSession(t, prov, Transmitter, "mtc", "pwd")

	rxServer, rxClient := net.Pipe()
	defer rxClient.Close()
	rx := NewConnection(rxServer)
	if _, err := reg.Bind(context.Background(), rx, Receiver, "mtc", "pwd"); err != nil {
		t.Fatal(err)
	}
	rxCh := readerFor(t, rxClient)

	sess := txConn.Session()
	sm := pdu.SubmitSm{SourceAddr: "a", DestinationAddr: "b", ShortMessage: "m"}
	sess.Dispatcher().HandleSubmit(context.Background(), txConn, sess, 1, sm)

	recv(t, txCh) // submit_sm_resp

	select {
	case p, ok := <-rxCh:
		if ok {
			t.Fatalf("unexpected receipt delivered: %#v", p)
		}
	case <-time.After(50 * time.Millisecond):
		// no receipt arrived, as expected
	}
}

func TestDeliverWithRetryRespectsValidityDeadline(t *testing.T) {
	prov := provider.NewStaticProvider("mtc", "pwd", provider.TryLater)
	d := NewDispatcher(NewRegistry(prov), prov)

	status, expired := d.deliverWithRetry(context.Background(), provider.ShortMessage{}, time.Now().Add(-time.Second))
	if status != provider.TryLater || !expired {
		t.Fatalf("deliverWithRetry() = %v, %v; want TryLater, true for an already-expired deadline", status, expired)
	}
}

func TestGenMessageIDIsHex(t *testing.T) {
	id := genMessageID()
	if !regexp.MustCompile(`^[0-9a-f]+$`).MatchString(id) {
		t.Fatalf("genMessageID() = %q, want hex digits", id)
	}
}
