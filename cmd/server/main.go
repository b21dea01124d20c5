package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hossein/mpsched/internal/config"
	"github.com/hossein/mpsched/internal/metrics"
	"github.com/hossein/mpsched/internal/netif"
	"github.com/hossein/mpsched/internal/proxy"
	"github.com/hossein/mpsched/internal/status"
	"github.com/hossein/mpsched/pkg/rahio"
	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

func main() {
	var cfg config.ServerConfig
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	lvl, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("server: invalid log level", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	schedCfg, err := config.LoadScheduler(cfg.ConfigFile, cfg.Policy)
	if err != nil {
		slog.Error("server: loading scheduler config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := netif.NewResolver()
	col := metrics.NewCollector()
	opts := append(schedCfg.EngineOptions(),
		scheduler.WithLogger(logger),
		scheduler.WithResolver(resolver),
		scheduler.WithObserver(col),
	)
	engine := scheduler.NewEngine(opts...)

	if cfg.StatusAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), metrics.ConnectionsGauge(engine))
		if err := col.Register(reg); err != nil {
			slog.Error("server: registering metrics", "err", err)
			os.Exit(1)
		}
		h := status.New(engine, status.Options{
			AllowedOrigins: splitOrigins(cfg.CORSOrigin),
			Gatherer:       reg,
		})
		go func() {
			if err := status.Serve(ctx, cfg.StatusAddr, h); err != nil {
				slog.Error("server: status endpoint stopped", "err", err)
			}
		}()
	}

	ln, err := rahio.ListenConfig{Engine: engine, Interfaces: resolver}.Listen(cfg.Listen)
	if err != nil {
		slog.Error("server: listen failed", "addr", cfg.Listen, "err", err)
		os.Exit(1)
	}
	slog.Info("server: ready",
		"addr", ln.Addr(),
		"policy", engine.DefaultPolicy(),
		"routes", len(schedCfg.Dispatcher.Routes),
	)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			slog.Info("server: accept loop stopped", "err", err)
			return
		}
		go handleConn(conn)
	}
}

func handleConn(conn *rahio.MultipathConn) {
	defer conn.Close()

	target, err := proxy.ReadDestFrame(conn)
	if err != nil {
		slog.Warn("server: reading destination frame", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	remote, err := net.Dial("tcp", target)
	if err != nil {
		slog.Warn("server: dial failed", "target", target, "err", err)
		return
	}
	defer remote.Close()

	up, down := proxy.Bridge(conn, remote)
	slog.Info("server: connection finished",
		"target", target,
		"policy", conn.Policy(),
		"bytesUp", up,
		"bytesDown", down,
	)
}

func splitOrigins(v string) []string {
	var out []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
