package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"SAID-Chain/internal/api"
	"SAID-Chain/internal/auth"
	"SAID-Chain/internal/config"
	"SAID-Chain/internal/observability/metrics"
	"SAID-Chain/internal/registry"
	"SAID-Chain/internal/relay"
	"SAID-Chain/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// main 是 SAID 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("saidd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("saidd")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	bus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	clock, closeClock, err := openClock(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClock()

	programID, err := parseProgramID(cfg.Program.ID)
	if err != nil {
		return err
	}

	m := metrics.New()
	alerts := newAlertDispatcher(cfg)
	program := registry.New(store,
		registry.WithProgramID(programID),
		registry.WithPublisher(bus),
		registry.WithClock(clock),
		registry.WithFees(registry.Fees{
			Registration: cfg.Program.RegistrationFee,
			Validation:   cfg.Program.ValidationFee,
		}),
		registry.WithLogger(logger.Named("registry")),
		registry.WithAuditLogger(logger.Audit()),
		registry.WithMetrics(m),
		registry.WithAlertDispatcher(alerts),
	)

	verifier, err := auth.NewVerifier(auth.Mode(cfg.Auth.Mode), cfg.Auth.Skew())
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, program, verifier,
		api.WithMetrics(m),
		api.WithLogger(logger.Named("api")),
		api.WithAuditLogger(logger.Audit()),
		api.WithFaucet(cfg.Server.EnableFaucet),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	)

	appLog.Info("saidd starting",
		slog.String("program_id", programID.Hex()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("clock", cfg.Clock.Source),
		slog.String("auth", cfg.Auth.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Observability.MetricsAddress != "" {
		g.Go(func() error { return m.StartServer(gctx, cfg.Observability.MetricsAddress) })
	}
	if sub, ok := bus.(eventSubscriber); ok && cfg.Events.Driver == "memory" {
		g.Go(func() error { return sub.Subscribe(gctx, cfg.Events.Consumers, logEvent(logger.Named("events"))) })
	}

	if cfg.Events.Replay {
		replayer := relay.New(program, bus,
			relay.WithLogger(logger.Named("relay")),
			relay.WithMetrics(m),
			relay.WithAlertDispatcher(alerts),
		)
		g.Go(func() error {
			if _, err := replayer.Replay(gctx, cfg.Events.ReplayAfter); err != nil {
				appLog.Error("event replay failed", slog.Any("error", err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLog.Info("saidd stopped")
	return nil
}
