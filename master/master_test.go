package master

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeWorker listens on a unix socket and echoes back a line prefixed
// with its index, standing in for a real gateway worker process so the
// forwarding and round-robin logic can be tested without exec'ing
// separate worker binaries.
func fakeWorker(t *testing.T, index int, sock string) {
	t.Helper()
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					fmt.Fprintf(conn, "worker%d:%s\n", index, scanner.Text())
				}
			}()
		}
	}()
}

func TestServeForwardsRoundRobin(t *testing.T) {
	dir := t.TempDir()
	workers := []*WorkerProc{
		{Index: 0, SocketPath: filepath.Join(dir, "w0.sock")},
		{Index: 1, SocketPath: filepath.Join(dir, "w1.sock")},
	}
	fakeWorker(t, 0, workers[0].SocketPath)
	fakeWorker(t, 1, workers[1].SocketPath)

	m := New(Config{ListenAddr: "127.0.0.1:0", Workers: workers}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx) }()
	defer func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		m.Shutdown(shutdownCtx)
	}()

	addr := waitForAddr(t, m)

	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		fmt.Fprintf(conn, "hello\n")
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading echo %d: %v", i, err)
		}
		got[line] = true
		conn.Close()
	}
	if !got["worker0:hello\n"] || !got["worker1:hello\n"] {
		t.Fatalf("expected one request routed to each worker, got %v", got)
	}
}

func waitForAddr(t *testing.T, m *Master) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a := m.Addr(); a != nil {
			return a.String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for master listener to start")
	return ""
}
