package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/smppgw/gateway/pdu"
	"github.com/smppgw/gateway/provider"
)

func TestWorkerAcceptsForwardedConnectionAndBinds(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "worker.sock")
	busAddr := fmt.Sprintf("127.0.0.1:%d", 18750+time.Now().Nanosecond()%1000)

	prov := provider.NewStaticProvider("mtc", "pwd", provider.OK)
	srv, err := New(Config{
		Index:       0,
		SocketPath:  sock,
		PublishAddr: busAddr,
		PeerAddrs:   []string{busAddr},
		Provider:    prov,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	defer func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	waitForSocket(t, sock)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dialing forwarded socket: %v", err)
	}
	defer conn.Close()

	enc := pdu.NewEncoder(conn, nil)
	if _, err := enc.Encode(&pdu.BindTRx{SystemID: "mtc", Password: "pwd"}, pdu.EncodeSeq(1)); err != nil {
		t.Fatal(err)
	}

	dec := pdu.NewDecoder(conn)
	_, resp, err := dec.Decode()
	if err != nil {
		t.Fatalf("decoding bind response: %v", err)
	}
	if _, ok := resp.(*pdu.BindTRxResp); !ok {
		t.Fatalf("got %T, want *pdu.BindTRxResp", resp)
	}

	if !srv.Registry().SessionExists("mtc") {
		t.Fatal("expected session to exist in worker registry after bind")
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for socket %s", path)
}
