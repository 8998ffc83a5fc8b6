package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"

	"inksync/internal/auth"
	"inksync/internal/config"
	"inksync/internal/events"
	appLog "inksync/internal/log"
	"inksync/internal/provider"
	"inksync/internal/store"
	"inksync/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	debug      bool
}

func main() {
	appLog.Info("inksync starting", "version", "0.1.0")

	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"data_dir", conf.DataDir,
		"sync_cron", conf.SyncCron,
		"google_enabled", conf.Google.ClientID != "",
		"microsoft_enabled", conf.Microsoft.ClientID != "",
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	eventsDB := store.NewEvents(filepath.Join(conf.DataDir, "events"))
	sessions := store.NewSessions(filepath.Join(conf.DataDir, "sessions"))
	engine := events.NewEngine(eventsDB)
	projector := events.NewProjector(engine, filepath.Join(conf.DataDir, "state.json"))
	authMgr := auth.NewManager(conf, sessions, eventsDB, projector)

	// Only providers with a registered client id get an adapter; their
	// integration endpoints do not exist otherwise.
	adapters := make([]provider.Adapter, 0, 2)
	if conf.Google.ClientID != "" {
		adapters = append(adapters, provider.NewGoogle(conf.Google.EventsURL, authMgr, eventsDB, projector))
	}
	if conf.Microsoft.ClientID != "" {
		adapters = append(adapters, provider.NewMicrosoft(conf.Microsoft.EventsURL, authMgr, eventsDB, projector))
	}
	registry := provider.NewRegistry(adapters...)

	// Materialize the today state at boot so the device has something
	// to read before the first mutation.
	if _, err := projector.Recompute(); err != nil {
		appLog.Error("initial today-state recomputation failed", err)
	}

	// Optional scheduled sync of all integrated providers.
	if conf.SyncCron != "" {
		c := cron.New()
		_, err := c.AddFunc(conf.SyncCron, func() {
			syncIntegrated(ctx, registry, authMgr)
		})
		if err != nil {
			appLog.Error("invalid sync cron expression", err, "sync", conf.SyncCron)
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
		appLog.Info("scheduled sync enabled", "cron", conf.SyncCron)
	}

	server := web.NewServer(conf, conf.DataDir, eventsDB, engine, projector, authMgr, registry)
	if err := web.StartServer(ctx, server); err != nil {
		appLog.Error("HTTP server failed", err)
		os.Exit(1)
	}

	appLog.Info("inksync exiting")
}

// syncIntegrated runs a fetch for every registered provider that holds
// a durable token. Failures are logged per provider; one provider's
// outage never blocks another's sync.
func syncIntegrated(ctx context.Context, registry *provider.Registry, authMgr *auth.Manager) {
	for _, src := range registry.Sources() {
		if !authMgr.Integrated(src) {
			continue
		}
		adapter, _ := registry.Lookup(src)
		count, err := adapter.FetchAndStore(ctx)
		if err != nil {
			appLog.Error("scheduled sync failed", err, "source", string(src))
			continue
		}
		appLog.Info("scheduled sync done", "source", string(src), "count", count)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/inksync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
