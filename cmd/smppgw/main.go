// Command smppgw runs the SMPP gateway: a stateless Master process that
// accepts public connections and forwards them to a fleet of Worker
// subprocesses, each holding its own session registry.
//
// Invoked with no -worker flag, the process runs as Master and spawns the
// worker fleet by re-executing itself with -worker=<index>. Operators
// never pass -worker directly; the Master sets it when spawning.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smppgw/gateway/config"
	"github.com/smppgw/gateway/httpapi"
	"github.com/smppgw/gateway/master"
	"github.com/smppgw/gateway/metrics"
	"github.com/smppgw/gateway/provider"
	"github.com/smppgw/gateway/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		workerIdx  = flag.Int("worker", -1, "internal: run as worker <index> instead of master")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("loading config: %v", err)
	}

	log := newLogger(cfg.LogLevel)
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *workerIdx >= 0 {
		runWorker(ctx, cfg, *workerIdx, log)
		return
	}
	runMaster(ctx, cfg, log)
}

func runWorker(ctx context.Context, cfg *config.Config, index int, log *zap.Logger) {
	log = log.With(zap.Int("worker", index))

	reg := prometheus.NewRegistry()
	m := metrics.New()
	m.Register(reg)

	prov, err := buildProvider(cfg, log)
	if err != nil {
		fail("building provider: %v", err)
	}

	srv, err := worker.New(worker.Config{
		Index:       index,
		SocketPath:  cfg.WorkerSocket(index),
		PublishAddr: cfg.BusAddr(index),
		PeerAddrs:   cfg.BusPeers(),
		Provider:    prov,
		Metrics:     m,
	}, log)
	if err != nil {
		fail("starting worker %d: %v", index, err)
	}

	admin := httpapi.New(srv.Registry(), reg, log)
	adminAddr := fmt.Sprintf("127.0.0.1:%d", adminPortFor(cfg, index))
	go func() {
		if err := http.ListenAndServe(adminAddr, admin.Router()); err != nil && err != http.ErrServerClosed {
			log.Warn("admin http server exited", zap.Error(err))
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, admin.MetricsRouter()); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics http server exited", zap.Error(err))
			}
		}()
	}

	log.Info("worker starting", zap.String("socket", cfg.WorkerSocket(index)), zap.String("admin", adminAddr))
	if err := srv.Run(ctx); err != nil {
		log.Error("worker exited with error", zap.Error(err))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

func runMaster(ctx context.Context, cfg *config.Config, log *zap.Logger) {
	workers := make([]*master.WorkerProc, cfg.WorkersCount)
	for i := range workers {
		workers[i] = &master.WorkerProc{Index: i, SocketPath: cfg.WorkerSocket(i)}
	}

	if err := master.SpawnWorkers(workers, func(w *master.WorkerProc) []string {
		return []string{"-worker", fmt.Sprintf("%d", w.Index)}
	}, log); err != nil {
		fail("spawning workers: %v", err)
	}
	defer master.TerminateWorkers(workers)

	m := master.New(master.Config{ListenAddr: cfg.ListenAddr(), Workers: workers}, log)
	log.Info("master starting", zap.String("addr", cfg.ListenAddr()), zap.Int("workers", len(workers)))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("master exited with error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer shutdownCancel()
	m.Shutdown(shutdownCtx)
}

func buildProvider(cfg *config.Config, log *zap.Logger) (provider.Provider, error) {
	return provider.Build(cfg.ProviderBuilder, cfg.ProviderLogPath, log)
}

func adminPortFor(cfg *config.Config, index int) int {
	return cfg.BusBasePort + 1000 + index
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
