package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/armon/go-socks5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hossein/mpsched/internal/config"
	"github.com/hossein/mpsched/internal/metrics"
	"github.com/hossein/mpsched/internal/netif"
	"github.com/hossein/mpsched/internal/proxy"
	"github.com/hossein/mpsched/internal/status"
	rahio "github.com/hossein/mpsched/pkg/rahio"
	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

func main() {
	var cfg config.ClientConfig
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	lvl, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("client: invalid log level", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("client: invalid flags", "err", err)
		os.Exit(1)
	}
	schedCfg, err := config.LoadScheduler(cfg.ConfigFile, cfg.Policy)
	if err != nil {
		slog.Error("client: loading scheduler config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := netif.NewResolver()
	col := metrics.NewCollector()
	engine := scheduler.NewEngine(append(schedCfg.EngineOptions(),
		scheduler.WithLogger(logger),
		scheduler.WithResolver(resolver),
		scheduler.WithObserver(col),
	)...)

	slog.Info("client: starting",
		"server", cfg.Server,
		"socks", cfg.Socks,
		"ifaces", cfg.Ifaces,
		"numSubflows", len(cfg.Ifaces),
		"policy", engine.DefaultPolicy(),
	)

	// Pre-resolve interface addresses so problems are visible at startup.
	for i, name := range cfg.Ifaces {
		if ip, err := resolver.FirstIPv4(name); err != nil {
			slog.Warn("client: interface address lookup failed (OS will choose source)", "iface", name, "idx", i, "err", err)
		} else {
			slog.Info("client: interface resolved", "iface", name, "idx", i, "localAddr", ip)
		}
	}

	if cfg.StatusAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.ConnectionsGauge(engine))
		if err := col.Register(reg); err != nil {
			slog.Error("client: registering metrics", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := status.Serve(ctx, cfg.StatusAddr, status.New(engine, status.Options{Gatherer: reg})); err != nil {
				slog.Error("client: status endpoint stopped", "err", err)
			}
		}()
	}

	d := &dialer{server: cfg.Server, ifaces: cfg.Ifaces, resolver: resolver, engine: engine}
	srv, err := socks5.New(&socks5.Config{
		Dial: func(_ context.Context, _, addr string) (net.Conn, error) {
			return d.dial(addr)
		},
	})
	if err != nil {
		slog.Error("client: socks5.New failed", "err", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.Socks)
	if err != nil {
		slog.Error("client: failed to listen for SOCKS5", "addr", cfg.Socks, "err", err)
		os.Exit(1)
	}
	slog.Info("client: SOCKS5 proxy ready", "socks", cfg.Socks, "server", cfg.Server)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
		slog.Error("client: SOCKS5 server error", "err", err)
		os.Exit(1)
	}
}

type dialer struct {
	server   string
	ifaces   []string
	resolver *netif.Resolver
	engine   *scheduler.Engine
}

// dial opens a MultipathConn to the server, one subflow per interface, and
// writes the destination frame for target so go-socks5 can bridge it.
func (d *dialer) dial(target string) (net.Conn, error) {
	localAddrs := make([]string, len(d.ifaces))
	for i, name := range d.ifaces {
		ip, err := d.resolver.FirstIPv4(name)
		if err != nil {
			slog.Warn("dial: interface lookup failed, OS will choose source", "iface", name, "idx", i, "err", err)
			continue
		}
		localAddrs[i] = net.JoinHostPort(ip.String(), "0")
	}

	rd := &rahio.Dialer{Engine: d.engine, LocalAddrs: localAddrs, Interfaces: d.resolver}
	mc, err := rd.Dial(d.server, len(d.ifaces))
	if err != nil {
		slog.Error("dial: multipath dial failed", "server", d.server, "target", target, "err", err)
		return nil, fmt.Errorf("rahio dial: %w", err)
	}

	if err := proxy.WriteDestFrame(mc, target); err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("writing destination frame: %w", err)
	}
	slog.Info("dial: MultipathConn established",
		"target", target,
		"policy", mc.Policy(),
		"local", mc.LocalAddr(),
		"remote", mc.RemoteAddr(),
	)
	return mc, nil
}
