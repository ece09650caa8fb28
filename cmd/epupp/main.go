package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/PEZ/epupp-sub009/internal/approval"
	"github.com/PEZ/epupp-sub009/internal/browser"
	"github.com/PEZ/epupp-sub009/internal/config"
	"github.com/PEZ/epupp-sub009/internal/interp"
	"github.com/PEZ/epupp-sub009/internal/logging"
	"github.com/PEZ/epupp-sub009/internal/monitoring"
	"github.com/PEZ/epupp-sub009/internal/scheduler"
	"github.com/PEZ/epupp-sub009/internal/script"
	"github.com/PEZ/epupp-sub009/internal/server"
	"github.com/PEZ/epupp-sub009/internal/tunnel"
)

func main() {
	addr := flag.String("addr", "", "Management API listen address (overrides env)")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	cfg := config.LoadOrDefault()

	var log *logging.Logger
	if *dev || cfg.Logging.Development {
		log = logging.NewDevelopment()
	} else {
		log = logging.NewDefault()
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.New()

	// Platform collaborators. The standalone binary runs against the
	// in-memory implementations; an embedding swaps real adapters in.
	storage := browser.NewMemoryStorage()
	registry := browser.NewMemoryRegistry()
	navigation := browser.NewMemoryNavigation()
	executor := interp.NewExecutor(cfg.Relay.CallTimeout)

	store, err := script.NewStore(ctx, storage, log)
	if err != nil {
		log.Fatal("Failed to open script store", zap.Error(err))
	}
	if err := store.SeedBuiltins(ctx, builtins()); err != nil {
		log.Fatal("Failed to seed builtin scripts", zap.Error(err))
	}
	store.Watch(ctx)

	gate := approval.NewGate(store, log)

	runtimeBus := tunnel.NewBus()
	relay := tunnel.NewRelay(runtimeBus, tunnel.NewWSDialer(), tunnel.RelayConfig{
		UpstreamHost: cfg.Relay.UpstreamHost,
		DefaultPort:  cfg.Relay.DefaultPort,
		CallTimeout:  cfg.Relay.CallTimeout,
	}, log, metrics)
	relay.Start(ctx)
	defer relay.Close()

	sched := scheduler.New(store, gate, registry, executor, navigation, cfg.Relay.CallTimeout, log, metrics)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start injection scheduler", zap.Error(err))
	}
	defer sched.Stop()

	if cfg.Scripts.MirrorDir != "" {
		mirror := script.NewMirror(store, cfg.Scripts.MirrorDir, relay, log)
		go runMirror(ctx, mirror, relay, log)
	}

	listen := cfg.Server.Host + ":" + cfg.Server.Port
	if *addr != "" {
		listen = *addr
	}
	installer := script.NewInstaller(store, cfg.Scripts.FetchTimeout, cfg.Scripts.MaxFetchBytes, log)
	handlers := server.NewHandlers(store, gate, sched, relay, installer)
	srv := server.New(server.Config{
		Addr:              listen,
		RequestsPerSecond: 100,
		Burst:             200,
	}, handlers, metrics, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Management API listening", zap.String("addr", listen))
		errCh <- srv.Run()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Close(shutdownCtx); err != nil {
			log.Warn("Shutdown error", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			log.Fatal("Server error", zap.Error(err))
		}
	}
}

// runMirror starts and stops the FS mirror as the FS-sync privilege
// moves between tabs.
func runMirror(ctx context.Context, mirror *script.Mirror, relay *tunnel.Relay, log *logging.Logger) {
	changes := relay.SyncChanges()
	for {
		select {
		case <-ctx.Done():
			mirror.Stop()
			return
		case change, ok := <-changes:
			if !ok {
				mirror.Stop()
				return
			}
			if change.Next != nil {
				if err := mirror.Start(ctx); err != nil {
					log.Warn("Failed to start FS mirror", zap.Error(err))
				}
			} else {
				mirror.Stop()
			}
		}
	}
}

// builtins returns the bundled system scripts seeded at startup.
func builtins() []script.Builtin {
	return []script.Builtin{
		{
			Name: "epupp_hello",
			Code: `;; ---
;; name: epupp_hello
;; description: Prints a greeting to the page console.
;; ---
(js/console.log "epupp is here")
`,
		},
	}
}
