// Package worker composes the gateway registry, a downstream provider,
// and the receipt bus into the listener that accepts connections
// forwarded by the Master over a local stream socket.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/smppgw/gateway/gateway"
	"github.com/smppgw/gateway/metrics"
	"github.com/smppgw/gateway/pdu"
	"github.com/smppgw/gateway/provider"
	"github.com/smppgw/gateway/receiptbus"
)

// Config describes one worker's wiring.
type Config struct {
	Index       int
	SocketPath  string   // local stream (unix) socket the Master forwards to
	PublishAddr string   // this worker's receipt bus publisher address
	PeerAddrs   []string // every worker's publisher address, including this one
	Provider    provider.Provider
	Metrics     *metrics.Metrics // optional; nil disables collection
}

// Server is one worker process's composition root.
type Server struct {
	cfg      Config
	log      *zap.Logger
	registry *gateway.Registry
	bus      *receiptbus.Bus

	ln net.Listener

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a worker Server. Its receipt bus publisher is listening and
// accepting subscribers when New returns; the local socket is created
// by Run, which starts serving.
func New(cfg Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bus, err := receiptbus.NewBus(cfg.PublishAddr, log)
	if err != nil {
		return nil, fmt.Errorf("worker %d: starting receipt bus: %w", cfg.Index, err)
	}
	registry := gateway.NewRegistry(cfg.Provider)
	registry.SetMetrics(cfg.Metrics)
	registry.PublishToBus = func(systemID string, d *pdu.DeliverSm) {
		if err := bus.Publish(systemID, d); err != nil {
			log.Warn("publishing receipt", zap.Error(err))
		}
	}
	return &Server{cfg: cfg, log: log, registry: registry, bus: bus}, nil
}

// Run removes any stale socket file, listens on the worker's local
// socket, starts the receipt bus subscriber mesh, and serves forwarded
// connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("worker %d: listening on %s: %w", s.cfg.Index, s.cfg.SocketPath, err)
	}
	s.ln = ln

	for _, peer := range s.cfg.PeerAddrs {
		peer := peer
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.bus.Subscribe(ctx, peer, s.onReceipt)
		}()
	}

	s.log.Info("worker listening", zap.Int("index", s.cfg.Index), zap.String("socket", s.cfg.SocketPath))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h := gateway.NewHandler(conn, s.registry, s.log)
			h.SetMetrics(s.cfg.Metrics)
			h.Serve(ctx)
		}()
	}
}

// onReceipt is invoked for every frame seen by any subscriber loop
// (including the one reading this worker's own publisher), and performs
// local-only delivery — the design resolved in favor of "publish once,
// every subscriber (including the originator's) delivers locally".
func (s *Server) onReceipt(systemID string, d *pdu.DeliverSm) {
	for _, rc := range s.registry.ReceiversFor(systemID) {
		if err := rc.SendAsync(d); err != nil {
			s.log.Warn("delivering fanned-out receipt", zap.Error(err))
			continue
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ReceiptsDelivered.Inc()
		}
	}
}

// Shutdown stops the listener, cancels all handler/subscriber goroutines,
// and closes the receipt bus.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.bus.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Registry exposes the worker's session registry, chiefly for metrics.
func (s *Server) Registry() *gateway.Registry { return s.registry }
