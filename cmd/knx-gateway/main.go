package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"knx-gateway/internal/busmon"
	"knx-gateway/internal/gateway"
	"knx-gateway/internal/store"
	"knx-gateway/internal/telemetry"
	"knx-gateway/internal/tpuart"
	"knx-gateway/internal/tunnel"
	"knx-gateway/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("knx-gateway starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	override, err := db.GetIdentity()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	identity, err := buildIdentity(cfg, override)
	if err != nil {
		return err
	}
	features, err := restoreFeatures(db)
	if err != nil {
		return err
	}
	groups, _ := cfg.groupAddresses()
	tunnelAddrs, _ := cfg.tunnelAddresses()

	// Open the bus coupler and reset it.
	port, err := tpuart.OpenSerial(cfg.Bus.Port)
	if err != nil {
		return err
	}
	bus := tpuart.New(port, tpuart.Config{
		Address:        identity.Address,
		GroupAddresses: groups,
		Repetitions:    cfg.Bus.Repetitions,
	}, logger)
	defer bus.Close()
	bus.SetIndividualAddresses(tunnelAddrs)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = bus.Start(ctx)
	cancel()
	if err != nil {
		return err
	}

	tunnels := tunnel.NewManager(tunnel.Config{
		Channels:         cfg.KNXnet.Channels,
		Addresses:        tunnelAddrs,
		HeartbeatTimeout: cfg.KNXnet.HeartbeatTimeout,
		SequenceModulus:  cfg.KNXnet.SequenceModulus,
		Features:         features,
	})
	events := gateway.NewEventBus(logger)
	gw := gateway.New(gateway.Config{
		Identity:           identity,
		ForwardUnaddressed: cfg.Bus.ForwardUnaddressed,
	}, bus, tunnels, events, logger)

	unsubPersist := newPersister(db, cfg.Store.KeepSessions, logger).subscribe(events)
	defer unsubPersist()

	var webOpts []web.ServerOption

	// Bus monitor and telemetry are optional.
	if cfg.Busmon.Path != "" {
		mon, err := busmon.Open(cfg.Busmon.Path, logger)
		if err != nil {
			return err
		}
		defer mon.Close()
		defer recordTelegrams(events, mon)()
		webOpts = append(webOpts, web.WithAddressBook(mon))
	}
	influx, err := telemetry.Connect(cfg.InfluxDB, logger)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
	case err != nil:
		logger.Warn("telemetry unavailable", "err", err)
	default:
		defer influx.Close()
		defer influx.Subscribe(events)()
	}

	gw.Start()

	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	var servers sync.WaitGroup

	udp, err := gateway.ListenUDP(gw, cfg.KNXnet.ListenUDP, cfg.KNXnet.MulticastGroup, cfg.KNXnet.Interface)
	if err != nil {
		gw.Stop()
		return err
	}
	servers.Add(1)
	go func() {
		defer servers.Done()
		if err := udp.Serve(serveCtx); err != nil {
			logger.Error("udp server", "err", err)
		}
	}()

	if cfg.tcpEnabled() {
		tcp, err := gateway.ListenTCP(gw, cfg.KNXnet.ListenTCP)
		if err != nil {
			gw.Stop()
			stopServing()
			servers.Wait()
			return err
		}
		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := tcp.Serve(serveCtx); err != nil {
				logger.Error("tcp server", "err", err)
			}
		}()
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(gw, cfg, logger)

	// Start web server
	var webServer *web.Server
	var httpServer *http.Server
	if cfg.Web.Listen != "" {
		if cfg.Web.APIKey != "" {
			webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
		}
		if len(cfg.Web.AllowedOrigins) > 0 {
			webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
		}
		webOpts = append(webOpts, web.WithSessionLog(db), web.WithIdentityStore(db), web.WithVersion(version))
		webOpts = append(webOpts, autoWebOpts...)

		webServer = web.NewServer(gw, logger, webOpts...)
		httpServer = &http.Server{
			Addr:         cfg.Web.Listen,
			Handler:      webServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("web server starting", "addr", cfg.Web.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server", "err", err)
			}
		}()
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(gw, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
	}
	// Channels are closed while the sockets can still carry the
	// DISCONNECT_REQUESTs.
	gw.Stop()
	stopServing()
	servers.Wait()
	return nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
