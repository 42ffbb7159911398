// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command natcored wires configuration, logging, metrics and the NAT
// engine together and runs until an interrupt or terminate signal.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ridgewatch.dev/natcore/internal/config"
	wire "ridgewatch.dev/natcore/internal/ebpf/types"
	"ridgewatch.dev/natcore/internal/logging"
	"ridgewatch.dev/natcore/internal/natcore"
)

func main() {
	configPath := flag.String("config", "/etc/natcore/natcored.hcl", "path to the HCL configuration file")
	metricsAddr := flag.String("metrics-addr", ":9464", "address to serve Prometheus metrics on")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "natcored:", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}

	durations, err := cfg.ParseDurations()
	if err != nil {
		return fmt.Errorf("parsing config durations: %w", err)
	}

	engineCfg := natcore.EngineConfig{
		Ranges: map[natcore.L4Proto]wire.MappingRange{
			natcore.ProtoTCP:  {Start: cfg.TCPPorts.Start, End: cfg.TCPPorts.End},
			natcore.ProtoUDP:  {Start: cfg.UDPPorts.Start, End: cfg.UDPPorts.End},
			natcore.ProtoICMP: {Start: cfg.ICMPPorts.Start, End: cfg.ICMPPorts.End},
		},
		Timeouts: map[natcore.L4Proto]time.Duration{
			natcore.ProtoTCP:    durations.TCPTimeout,
			natcore.ProtoUDP:    durations.UDPTimeout,
			natcore.ProtoICMP:   durations.UDPTimeout,
			natcore.ProtoICMPv6: durations.UDPTimeout,
		},
		ReportInterval:  durations.ReportInterval,
		RingBufCapacity: cfg.RingBufCapacity,
	}

	engine := natcore.NewNatEngine(natcore.SystemClock{}, logger, natcore.NewRealScheduler(), engineCfg)
	defer engine.Stop()
	engine.Metrics.RegisterMetrics()

	logger.Info("natcored starting", "metrics_addr", metricsAddr, "tcp_syn_timeout", durations.TCPSynTimeout)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("natcored shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	return srv.Close()
}
