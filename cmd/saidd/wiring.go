package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/config"
	"SAID-Chain/internal/events"
	"SAID-Chain/internal/observability/alerting"
	"SAID-Chain/internal/state"
	"SAID-Chain/internal/web3"
	"SAID-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

type eventSubscriber interface {
	Subscribe(ctx context.Context, workerCount int, handler events.Handler) error
}

func openStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return state.NewMemoryStore(cfg.Rent), nil
	case "mysql":
		return state.NewMySQLStore(ctx, state.MySQLConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
			SkipMigrations:  cfg.Storage.SkipMigrations,
		}, cfg.Rent)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openBus(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryBus(cfg.Events.BufferSize), nil
	case "none":
		return events.Discard{}, nil
	case "redis":
		return events.NewRedisBus(ctx, events.RedisConfig{
			Address:   cfg.Events.Redis.Address,
			Password:  cfg.Events.Redis.Password,
			DB:        cfg.Events.Redis.DB,
			List:      cfg.Events.Redis.List,
			BlockWait: time.Duration(cfg.Events.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Prefetch:   cfg.Events.RabbitMQ.Prefetch,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

func openClock(ctx context.Context, cfg *config.Config) (web3.Clock, func(), error) {
	noop := func() {}
	if cfg.Clock.Source != "chain" {
		return web3.SystemClock{}, noop, nil
	}
	rpcURL := cfg.Clock.RPCURL
	if rpcURL == "" {
		defs, err := web3.LoadChainDefinitions(cfg.Clock.ChainsFile)
		if err != nil {
			return nil, noop, err
		}
		if rpcURL, err = defs.Resolve(cfg.Clock.Chain); err != nil {
			return nil, noop, err
		}
	}
	clock, err := web3.DialChainClock(ctx, rpcURL, cfg.Clock.CacheTTL())
	if err != nil {
		return nil, noop, err
	}
	return clock, clock.Close, nil
}

func newAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if url := strings.TrimSpace(cfg.Observability.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     url,
			Headers: cfg.Observability.Alerting.WebhookHeaders,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func parseProgramID(raw string) (address.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return address.DefaultProgramID(), nil
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(decoded) != common.HashLength {
		return address.Address{}, fmt.Errorf("program.id 必须是 32 字节十六进制")
	}
	return common.BytesToHash(decoded), nil
}

// logEvent 把内存总线上的事件写入日志。
func logEvent(log *slog.Logger) events.Handler {
	return func(ctx context.Context, event events.Event) error {
		log.InfoContext(ctx, "registry event",
			slog.Uint64("seq", event.Seq),
			slog.String("id", event.ID),
			slog.String("name", event.Name),
			slog.Int64("timestamp", event.Timestamp),
			slog.String("payload", string(event.Payload)),
		)
		return nil
	}
}
