// Command bouncer-observer runs the syslog-correlation sidecar: it
// loads an ObserverConfig and calls observer.Run until a termination
// signal arrives. It follows the same load-config/init-logging/
// signal-context shutdown sequence as bouncer-daemon, scaled down to
// the single subsystem this process owns.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nyxmail/bouncer/config"
	"github.com/nyxmail/bouncer/logger"
	"github.com/nyxmail/bouncer/observer"
)

var (
	version = "dev"
	commit  = "none"
)

const shutdownMetricsTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to bouncer-observer.toml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *configPath == "" && flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}

	if *showVersion {
		fmt.Printf("bouncer-observer version %s (commit %s)\n", version, commit)
		return
	}

	path := config.ResolvePath(*configPath, "BOUNCER_OBSERVER_CONFIG_PATH", "bouncer-observer")
	var cfg config.ObserverConfig
	if err := config.Load(path, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "bouncer-observer: %v\n", err)
		os.Exit(1)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "bouncer-observer: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(logger.Config{
		Output:     cfg.Logging.Output,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		SyslogTag:  cfg.Logging.SyslogTag,
		SyslogAddr: cfg.Logging.SyslogAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bouncer-observer: warning: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	defer logger.Sync()

	logger.Info("bouncer-observer starting", "version", version, "commit", commit, "listen_udp", cfg.ListenUDP, "server", cfg.Server, "config", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("bouncer-observer received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Addr, cfg.Metrics.Path)
	}

	if err := observer.Run(ctx, cfg); err != nil {
		logger.Error("bouncer-observer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("bouncer-observer stopped cleanly")
}

func serveMetrics(ctx context.Context, addr, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownMetricsTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", "error", err)
	}
}
