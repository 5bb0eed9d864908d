package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meadow-notify/internal/adapter/catalog"
	"meadow-notify/internal/adapter/delivery"
	"meadow-notify/internal/adapter/httpapi"
	"meadow-notify/internal/domain"
	"meadow-notify/internal/infra/config"
	"meadow-notify/internal/infra/logger"
	"meadow-notify/internal/infra/tracer"
	"meadow-notify/internal/usecase/dispatcher"
	"meadow-notify/internal/usecase/eventbus"
	"meadow-notify/internal/usecase/workflow"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`meadow-notify - movie summary notification service

USAGE:
    notifier [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: MEADOW_* variables override config
    Secrets:     OMDB_API_KEY, RESEND_API_KEY`)
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	store, err := workflow.NewSQLiteRunStore(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("run journal: %w", err)
	}
	defer store.Close()

	bus := eventbus.New(log)
	defer bus.Close()
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		log.Debug("event", "type", string(e.Type), "run_id", e.RunID)
	})

	omdb := catalog.NewOMDbClient(cfg.Catalog, log)

	var sender domain.DeliveryProvider = delivery.NewResendClient(cfg.Delivery, log)
	if cfg.Delivery.CircuitBreaker.Enabled {
		sender = delivery.NewCircuitBreakerProvider(sender, cfg.Delivery.CircuitBreaker, log)
	}
	sender = delivery.NewRateLimitedProvider(sender, cfg.Delivery.MaxSendsPerHour, log)

	engine := workflow.NewEngine(store, omdb, sender, workflow.EngineConfig{
		LookupTimeout:   cfg.Catalog.Timeout,
		DispatchTimeout: cfg.Delivery.Timeout,
	}, bus, log)

	disp := dispatcher.New(engine, store, cfg.Dispatcher, bus, log)
	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	defer disp.Stop()

	server := httpapi.NewServer(cfg.Server, engine, disp, bus, log)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	log.Info("meadow-notify started",
		"addr", server.Addr(),
		"journal", cfg.Journal.Path,
		"workers", cfg.Dispatcher.Workers,
	)

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}

	log.Info("meadow-notify stopped")
	return nil
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("MEADOW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
