// Package master implements the stateless TCP front door: it accepts
// public connections, forwards each to one worker subprocess over a
// local stream socket using strict round-robin, and splices bytes
// bidirectionally until either side closes. It does not parse SMPP.
package master

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// WorkerProc describes one spawned worker subprocess and how to reach it.
type WorkerProc struct {
	Index      int
	SocketPath string
	cmd        *exec.Cmd
}

// Config configures the Master's listen address and the worker fleet it
// forwards to. Workers are assumed already started (via SpawnWorkers) by
// the time Serve is called.
type Config struct {
	ListenAddr string
	Workers    []*WorkerProc
}

// Master accepts TCP connections and round-robins them to worker sockets.
type Master struct {
	cfg Config
	log *zap.Logger

	next atomic.Uint32

	mu  sync.Mutex
	lns []net.Listener
	wg  sync.WaitGroup
}

// New creates a Master. Start cfg.Workers with SpawnWorkers (or populate
// cfg.Workers with already running workers) and then call Serve.
func New(cfg Config, log *zap.Logger) *Master {
	if log == nil {
		log = zap.NewNop()
	}
	return &Master{cfg: cfg, log: log}
}

// SpawnWorkers launches one worker subprocess per entry in workers by
// re-executing the current binary with the given subcommand args, the Go
// rendering of the original design's "multiple OS processes" requirement
// (the idiomatic equivalent of a multiprocessing.Process per worker).
func SpawnWorkers(workers []*WorkerProc, argsFor func(w *WorkerProc) []string, log *zap.Logger) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("master: resolving self executable: %w", err)
	}
	for _, w := range workers {
		cmd := exec.Command(self, argsFor(w)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("master: spawning worker %d: %w", w.Index, err)
		}
		w.cmd = cmd
		log.Info("spawned worker", zap.Int("index", w.Index), zap.Int("pid", cmd.Process.Pid))
	}
	return nil
}

// TerminateWorkers sends SIGTERM to every spawned worker and waits for
// them to exit.
func TerminateWorkers(workers []*WorkerProc) {
	for _, w := range workers {
		if w.cmd == nil || w.cmd.Process == nil {
			continue
		}
		w.cmd.Process.Signal(syscall.SIGTERM)
	}
	for _, w := range workers {
		if w.cmd == nil {
			continue
		}
		w.cmd.Wait()
	}
}

// Serve listens on cfg.ListenAddr and forwards accepted connections to
// workers in strict round-robin order until ctx is cancelled.
func (m *Master) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("master: listening on %s: %w", m.cfg.ListenAddr, err)
	}
	m.mu.Lock()
	m.lns = append(m.lns, ln)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	m.log.Info("master listening", zap.String("addr", m.cfg.ListenAddr), zap.Int("workers", len(m.cfg.Workers)))

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		w := m.pickWorker()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.forward(conn, w)
		}()
	}
}

// Addr returns the address of the listener started by Serve, once it has
// started. Used by callers that bind to port 0 and need to discover the
// chosen port.
func (m *Master) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lns) == 0 {
		return nil
	}
	return m.lns[0].Addr()
}

// pickWorker returns the next worker by strict round-robin over indices.
func (m *Master) pickWorker() *WorkerProc {
	n := m.next.Add(1) - 1
	return m.cfg.Workers[int(n)%len(m.cfg.Workers)]
}

// forward dials the chosen worker's local socket and splices bytes
// bidirectionally until either side closes.
func (m *Master) forward(client net.Conn, w *WorkerProc) {
	defer client.Close()
	upstream, err := net.Dial("unix", w.SocketPath)
	if err != nil {
		m.log.Warn("dialing worker socket", zap.Int("worker", w.Index), zap.Error(err))
		return
	}
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, client)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, upstream)
		closeWrite(client)
	}()
	wg.Wait()
}

type writeCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}

// Shutdown closes all listeners and waits for in-flight splices to drain.
func (m *Master) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, ln := range m.lns {
		ln.Close()
	}
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}
