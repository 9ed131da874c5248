// Package relay 从已提交的事件 outbox 中按序号重放事件，用于补发发布失败的通知
// 或为新接入的消费者回填历史。
package relay

import (
	"context"
	"log/slog"
	"time"

	xerrors "SAID-Chain/internal/errors"
	"SAID-Chain/internal/events"
	"SAID-Chain/internal/observability/alerting"
	"SAID-Chain/internal/observability/metrics"
	"SAID-Chain/pkg/logger"
)

// DefaultBatchSize 是每次读取 outbox 的条数。
const DefaultBatchSize = 100

// Source 提供按序号分页的事件。
type Source interface {
	Events(ctx context.Context, after uint64, limit int) ([]events.Event, error)
}

// Replayer 把 outbox 中的事件重新发布到 Publisher。
type Replayer struct {
	source    Source
	publisher events.Publisher
	batch     int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	alerter   alerting.Dispatcher
}

// Option 定义可选配置。
type Option func(*Replayer)

// WithBatchSize 设置单页大小。
func WithBatchSize(n int) Option {
	return func(r *Replayer) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replayer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics 记录重放结果。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replayer) { r.metrics = m }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(r *Replayer) { r.alerter = dispatcher }
}

// New 构造 Replayer。
func New(source Source, publisher events.Publisher, opts ...Option) *Replayer {
	r := &Replayer{
		source:    source,
		publisher: publisher,
		batch:     DefaultBatchSize,
		logger:    logger.Named("relay"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Replay 发布序号大于 after 的全部事件，返回最后一个成功发布的序号。
// 遇到发布失败时立即停止，调用方可以从返回的序号继续。
func (r *Replayer) Replay(ctx context.Context, after uint64) (uint64, error) {
	if r.source == nil || r.publisher == nil {
		return after, xerrors.New(xerrors.CodeInitializationFailure, "relay source or publisher not configured")
	}
	cursor := after
	total := 0
	for {
		page, err := r.source.Events(ctx, cursor, r.batch)
		if err != nil {
			return cursor, err
		}
		for _, evt := range page {
			if err := r.publisher.Publish(ctx, evt); err != nil {
				r.metrics.ObserveRelay(false)
				wrapped := xerrors.Wrap(xerrors.CodePublishFailure, err, "replay event")
				r.logger.ErrorContext(ctx, "replay stopped",
					slog.Uint64("seq", evt.Seq),
					slog.String("name", evt.Name),
					slog.Any("error", err),
				)
				r.notify(ctx, wrapped)
				return cursor, wrapped
			}
			r.metrics.ObserveRelay(true)
			cursor = evt.Seq
			total++
		}
		if len(page) < r.batch {
			break
		}
	}
	r.logger.InfoContext(ctx, "replay finished",
		slog.Uint64("from", after),
		slog.Uint64("to", cursor),
		slog.Int("published", total),
	)
	return cursor, nil
}

func (r *Replayer) notify(ctx context.Context, err error) {
	if r.alerter == nil {
		return
	}
	if evt, ok := alerting.FromError("replay_events", err, time.Now()); ok {
		if nerr := r.alerter.Notify(ctx, evt); nerr != nil {
			r.logger.WarnContext(ctx, "alert dispatch failed", slog.Any("error", nerr))
		}
	}
}
