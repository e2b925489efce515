package gateway

import (
	"context"
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/smppgw/gateway/provider"
)

func TestBindCreatesSessionAndUnbindRemovesIt(t *testing.T) {
	prov := provider.NewStaticProvider("mtc", "pwd")
	reg := NewRegistry(prov)

	server, client := net.Pipe()
	defer client.Close()
	conn := NewConnection(server)

	ok, err := reg.Bind(context.Background(), conn, Transceiver, "mtc", "pwd")
	if err != nil || !ok {
		t.Fatalf("Bind() = %v, %v; want true, nil", ok, err)
	}
	if !reg.SessionExists("mtc") {
		t.Fatal("expected session to exist after bind")
	}
	if conn.Mode() != Transceiver {
		t.Fatalf("Mode() = %v, want Transceiver", conn.Mode())
	}

	reg.Unbind(conn)
	if reg.SessionExists("mtc") {
		t.Fatal("expected session to be removed after last connection unbinds")
	}
	if conn.Mode() != Unbound {
		t.Fatalf("Mode() after unbind = %v, want Unbound", conn.Mode())
	}
}

func TestBindFailsOnBadPassword(t *testing.T) {
	prov := provider.NewStaticProvider("mtc", "pwd")
	reg := NewRegistry(prov)

	server, client := net.Pipe()
	defer client.Close()
	conn := NewConnection(server)

	ok, err := reg.Bind(context.Background(), conn, Transmitter, "mtc", "wrong")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if ok {
		t.Fatal("expected Bind() to fail with wrong password")
	}
	if reg.SessionExists("mtc") {
		t.Fatal("expected no session after failed bind")
	}
}

func TestRebindDetachesFromPriorSession(t *testing.T) {
	// FileLoggingProvider authenticates every system_id, so one registry
	// can accept both binds.
	prov := provider.NewFileLoggingProvider("", zap.NewNop())
	reg := NewRegistry(prov)

	server, client := net.Pipe()
	defer client.Close()
	conn := NewConnection(server)

	if _, err := reg.Bind(context.Background(), conn, Transmitter, "mtc", "pwd"); err != nil {
		t.Fatal(err)
	}

	// A second bind_* on the same socket under another system_id must
	// detach the connection from the first session before attaching it
	// to the new one.
	if _, err := reg.Bind(context.Background(), conn, Transmitter, "other", "pwd2"); err != nil {
		t.Fatal(err)
	}
	if reg.SessionExists("mtc") {
		t.Fatal("expected first session to be gone after connection moved away")
	}
	if !reg.SessionExists("other") {
		t.Fatal("expected new session to exist")
	}
}

func TestReceiversForFiltersByMode(t *testing.T) {
	prov := provider.NewStaticProvider("mtc", "pwd")
	reg := NewRegistry(prov)
	ctx := context.Background()

	rxServer, rxClient := net.Pipe()
	defer rxClient.Close()
	rx := NewConnection(rxServer)
	if _, err := reg.Bind(ctx, rx, Receiver, "mtc", "pwd"); err != nil {
		t.Fatal(err)
	}

	txServer, txClient := net.Pipe()
	defer txClient.Close()
	tx := NewConnection(txServer)
	if _, err := reg.Bind(ctx, tx, Transmitter, "mtc", "pwd"); err != nil {
		t.Fatal(err)
	}

	got := reg.ReceiversFor("mtc")
	if len(got) != 1 || got[0] != rx {
		t.Fatalf("ReceiversFor() = %v, want only the receiver connection", got)
	}
}
