// mptcpd is the MPTCP path-manager daemon: it supervises the kernel's
// netlink path-manager dialect, the rtnetlink interface/address
// monitor, the policy plugin registry, and the optional D-Bus status
// publisher, serving Prometheus metrics and a JSON introspection
// surface over one shared HTTP listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mptcp-tools/mptcpd/internal/config"
	"github.com/mptcp-tools/mptcpd/internal/dbusstatus"
	"github.com/mptcp-tools/mptcpd/internal/dispatch"
	"github.com/mptcp-tools/mptcpd/internal/introspect"
	mptcpdmetrics "github.com/mptcp-tools/mptcpd/internal/metrics"
	"github.com/mptcp-tools/mptcpd/internal/netmon"
	"github.com/mptcp-tools/mptcpd/internal/pathmgr"
	appversion "github.com/mptcp-tools/mptcpd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// statusRefreshInterval is how often the D-Bus status publisher, when
// enabled, refreshes its published snapshot from the supervisor.
const statusRefreshInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("mptcpd starting",
		slog.String("version", appversion.Version),
		slog.String("introspect_addr", cfg.Introspect.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := mptcpdmetrics.NewCollector(reg)

	mgr := pathmgr.New(cfg, pathmgr.WithMetrics(collector), pathmgr.WithLogger(logger))
	defer mgr.Close()

	if err := runServers(cfg, mgr, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("mptcpd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("mptcpd stopped")
	return 0
}

// runServers wires the supervisor, the shared metrics/introspection
// HTTP listener, the optional D-Bus status publisher, and systemd
// notifications into one errgroup with signal-aware shutdown, the
// same shape as the teacher's runServers.
func runServers(
	cfg *config.Config,
	mgr *pathmgr.Manager,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	httpSrv := newHTTPServer(cfg, mgr, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("introspection/metrics server listening", slog.String("addr", cfg.Introspect.Addr))
		return listenAndServe(gCtx, &lc, httpSrv, cfg.Introspect.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	startSIGHUPHandler(gCtx, g, configPath, logLevel, logger)

	publisher := startDBusPublisher(cfg.DBus, logger)

	g.Go(func() error {
		tag, err := mgr.Start(gCtx, builtinPlugins())
		if err != nil {
			return fmt.Errorf("start supervisor: %w", err)
		}
		logger.Info("path manager ready", slog.String("dialect", tag.String()))
		notifyReady(logger)

		if publisher != nil {
			runStatusPublisher(gCtx, mgr, publisher)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, mgr, publisher, logger, httpSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// builtinPlugins returns the policy-module descriptors bundled with
// this daemon build. There are none: spec.md treats individual policy
// modules' business logic as out of scope, so the supervisor's plugin
// loader is generic (it takes a caller-supplied descriptor slice)
// rather than tied to any particular policy. An operator wiring in a
// real policy module does so by building a custom mptcpd that appends
// to this slice.
func builtinPlugins() []dispatch.Descriptor {
	return nil
}

// startDBusPublisher connects the status publisher if cfg.Enabled. A
// connection failure (no system bus reachable, common in containers
// and CI) is logged and treated as non-fatal -- this is a status
// surface, not a required component.
func startDBusPublisher(cfg config.DBusConfig, logger *slog.Logger) *dbusstatus.Publisher {
	if !cfg.Enabled {
		logger.Info("dbus status publisher disabled")
		return nil
	}

	publisher, err := dbusstatus.Connect(logger)
	if err != nil {
		logger.Warn("dbus status publisher unavailable, continuing without it",
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Info("dbus status publisher connected")
	return publisher
}

// runStatusPublisher refreshes publisher's snapshot from mgr at a
// fixed interval until ctx is cancelled.
func runStatusPublisher(ctx context.Context, mgr *pathmgr.Manager, publisher *dbusstatus.Publisher) {
	ticker := time.NewTicker(statusRefreshInterval)
	defer ticker.Stop()

	publishStatus(mgr, publisher)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publishStatus(mgr, publisher)
		}
	}
}

func publishStatus(mgr *pathmgr.Manager, publisher *dbusstatus.Publisher) {
	descs := mgr.Dispatcher().Plugins()
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}

	tracked := 0
	addrs := 0
	mgr.Monitor().ForeachInterface(func(iface *netmon.NetworkInterface) {
		tracked++
		addrs += len(iface.Addrs)
	})

	publisher.Update(dbusstatus.Status{
		Dialect:           mgr.Dialect().String(),
		Plugins:           names,
		TrackedInterfaces: tracked,
		TrackedAddresses:  addrs,
	})
}

// -------------------------------------------------------------------------
// Systemd integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half
// the configured watchdog interval, exiting immediately if no
// watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload -- log level only; pathmgr/plugin wiring needs a restart
// -------------------------------------------------------------------------

func startSIGHUPHandler(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				reloadLogLevel(configPath, logLevel, logger)
			}
		}
	})
}

// reloadLogLevel re-reads configPath and applies its log level to
// logLevel. Supervisor wiring (dialect, plugins, listen addresses) is
// fixed for the life of the process; only the log level is hot-reloadable.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, mgr *pathmgr.Manager, publisher *dbusstatus.Publisher, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if err := mgr.Close(); err != nil {
		logger.Warn("supervisor close failed", slog.String("error", err.Error()))
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("dbus publisher close failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// HTTP server setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newHTTPServer builds the single HTTP server this daemon exposes:
// Prometheus metrics plus the JSON introspection surface, sharing one
// mux and one listen address instead of the teacher's separate
// gRPC/metrics servers (there is no generated RPC service to serve
// here).
func newHTTPServer(cfg *config.Config, mgr *pathmgr.Manager, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	introspect.NewHandler(mgr, logger).Register(mux)

	return &http.Server{
		Addr:              cfg.Introspect.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Config + logging
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
