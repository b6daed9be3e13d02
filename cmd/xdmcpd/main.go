// xdmcpd is the XDMCP (X Display Manager Control Protocol) manager daemon.
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

	"github.com/tessel-systems/xdmcpd/internal/config"
	xdmcpmetrics "github.com/tessel-systems/xdmcpd/internal/metrics"
	"github.com/tessel-systems/xdmcpd/internal/netio"
	"github.com/tessel-systems/xdmcpd/internal/server"
	appversion "github.com/tessel-systems/xdmcpd/internal/version"
	"github.com/tessel-systems/xdmcpd/internal/xdmcp"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("xdmcpd starting",
		slog.String("version", appversion.Version),
		slog.Int("port", int(cfg.XDMCP.Port)),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := xdmcpmetrics.NewCollector(reg)

	// 5. Bind the UDP socket the manager replies on.
	sock, err := netio.Open(logger, cfg.XDMCP.Port, cfg.XDMCP.UseMulticast, cfg.XDMCP.MulticastAddress)
	if err != nil {
		logger.Error("failed to open XDMCP socket", slog.String("error", err.Error()))
		return 1
	}
	defer sock.Close()

	// 6. Create the XDMCP manager with metrics and the socket wired in.
	mgr := xdmcp.NewManager(managerConfig(cfg), logger,
		xdmcp.WithMetrics(collector),
		xdmcp.WithSender(sock),
	)
	defer mgr.Close()

	// 7. Run servers.
	if err := runServers(cfg, mgr, sock, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("xdmcpd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("xdmcpd stopped")
	return 0
}

// managerConfig converts the loaded configuration's XDMCP section into
// an xdmcp.Config.
func managerConfig(cfg *config.Config) xdmcp.Config {
	return xdmcp.Config{
		Port:               cfg.XDMCP.Port,
		UseMulticast:       cfg.XDMCP.UseMulticast,
		MulticastAddress:   cfg.XDMCP.MulticastAddress,
		HonorIndirect:      cfg.XDMCP.HonorIndirect,
		WillingScript:      cfg.XDMCP.WillingScript,
		MaxDisplaysPerHost: cfg.XDMCP.MaxDisplaysPerHost,
		MaxDisplays:        cfg.XDMCP.MaxDisplays,
		MaxPendingDisplays: cfg.XDMCP.MaxPendingDisplays,
		MaxWait:            cfg.XDMCP.MaxWait,
		MaxIndirect:        cfg.XDMCP.MaxIndirect,
		MaxWaitIndirect:    cfg.XDMCP.MaxWaitIndirect,
	}
}

// runServers sets up and runs the UDP receive loop, manager housekeeping,
// admin API, and metrics HTTP servers using an errgroup with signal-aware
// context for graceful shutdown.
func runServers(
	cfg *config.Config,
	mgr *xdmcp.Manager,
	sock *netio.Socket,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	adminSrv := newAdminServer(cfg.Admin, mgr, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// sock.Listen's feeder goroutines only relay raw bytes; mgr.Run is the
	// single goroutine that actually processes them, selecting over the
	// datagram channel, its housekeeping ticker, and ctx.Done() -- the
	// cooperative event loop spec.md §5 requires.
	g.Go(func() error {
		return mgr.Run(gCtx, sock.Listen(gCtx))
	})

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, mgr, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin API and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin API listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *xdmcp.Manager,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, mgr, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
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

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
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

// runWatchdog sends periodic watchdog keepalives to systemd. The interval
// is WatchdogSec/2 as recommended by the systemd documentation. If the
// watchdog is not configured, the goroutine exits immediately.
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
// SIGHUP Reload — log level + admission policy
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *xdmcp.Manager,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, mgr, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path, updates
// the dynamic log level, and re-evaluates the admission policy numbers
// without dropping any existing Display. Errors during reload are logged
// but do not stop the daemon -- the previous configuration remains in
// effect.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	mgr *xdmcp.Manager,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	mgr.UpdatePolicy(managerConfig(newCfg))

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Int("max_displays", newCfg.XDMCP.MaxDisplays),
		slog.Int("max_displays_per_host", newCfg.XDMCP.MaxDisplaysPerHost),
		slog.Int("max_pending_displays", newCfg.XDMCP.MaxPendingDisplays),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, then
// shuts down the HTTP servers. Unlike the BFD daemon this replaces, XDMCP
// Displays have no long-lived session goroutine to drain -- the X server
// each Display names is an external process, unaffected by xdmcpd's
// restart -- so shutdown is just "stop accepting new work, close sockets".
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

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
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
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

// newAdminServer creates an HTTP server for the chi-based JSON/SSE admin API.
func newAdminServer(cfg config.AdminConfig, mgr *xdmcp.Manager, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(mgr, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
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

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
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
