// Package registry implements the agent identity and reputation registry: the
// protocol treasury, per-owner identities, lazily created reputation records
// and immutable third-party validations. Every operation runs as a single
// all-or-nothing ledger transaction and emits its notification through the
// ledger's event outbox.
package registry

import (
	"context"
	"log/slog"
	"time"

	"SAID-Chain/internal/address"
	xerrors "SAID-Chain/internal/errors"
	"SAID-Chain/internal/events"
	"SAID-Chain/internal/observability/alerting"
	"SAID-Chain/internal/observability/metrics"
	"SAID-Chain/internal/state"
	"SAID-Chain/internal/web3"
	"SAID-Chain/pkg/logger"
)

const (
	// RegistrationFee 是注册身份时转入金库的费用。
	RegistrationFee uint64 = 5_000_000
	// ValidationFee 已声明但当前版本的 ValidateWork 不收取。
	ValidationFee uint64 = 1_000_000
)

// 操作名称，用于日志、指标与告警。
const (
	OpInitializeTreasury = "initialize_treasury"
	OpRegisterAgent      = "register_agent"
	OpWithdrawFees       = "withdraw_fees"
	OpUpdateAgent        = "update_agent"
	OpSubmitFeedback     = "submit_feedback"
	OpValidateWork       = "validate_work"
)

// Fees 描述协议费用。
type Fees struct {
	Registration uint64
	Validation   uint64
}

// DefaultFees 返回协议默认费用。
func DefaultFees() Fees {
	return Fees{Registration: RegistrationFee, Validation: ValidationFee}
}

// Program 是注册表的入口，所有状态都保存在 state.Store 中。
type Program struct {
	id        address.Address
	store     state.Store
	publisher events.Publisher
	clock     web3.Clock
	fees      Fees
	logger    *slog.Logger
	audit     *slog.Logger
	metrics   *metrics.Metrics
	alerter   alerting.Dispatcher
}

// Option 定义可选配置。
type Option func(*Program)

// WithProgramID 指定参与地址派生的程序标识。
func WithProgramID(id address.Address) Option {
	return func(p *Program) {
		p.id = id
	}
}

// WithPublisher 指定提交后事件的投递目标。
func WithPublisher(publisher events.Publisher) Option {
	return func(p *Program) {
		p.publisher = publisher
	}
}

// WithClock 指定记录时间戳的来源。
func WithClock(clock web3.Clock) Option {
	return func(p *Program) {
		p.clock = clock
	}
}

// WithFees 覆盖协议费用。
func WithFees(fees Fees) Option {
	return func(p *Program) {
		p.fees = fees
	}
}

// WithLogger 指定日志输出，审计日志仍使用全局审计 logger。
func WithLogger(logger *slog.Logger) Option {
	return func(p *Program) {
		p.logger = logger
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(logger *slog.Logger) Option {
	return func(p *Program) {
		p.audit = logger
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Program) {
		p.metrics = m
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(p *Program) {
		p.alerter = dispatcher
	}
}

// New 构造 Program。
func New(store state.Store, opts ...Option) *Program {
	p := &Program{
		id:    address.DefaultProgramID(),
		store: store,
		fees:  DefaultFees(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.publisher == nil {
		p.publisher = events.Discard{}
	}
	if p.clock == nil {
		p.clock = web3.SystemClock{}
	}
	if p.logger == nil {
		p.logger = logger.Named("registry")
	}
	if p.audit == nil {
		p.audit = logger.Audit()
	}
	return p
}

// ProgramID 返回程序标识。
func (p *Program) ProgramID() address.Address { return p.id }

// Fees 返回生效的协议费用。
func (p *Program) Fees() Fees { return p.fees }

func (p *Program) now(ctx context.Context) (int64, error) {
	ts, err := p.clock.Now(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取当前时间失败")
	}
	return ts, nil
}

// execute 在一个账本事务中运行 fn，提交后转发事件并记录日志与指标。
func (p *Program) execute(ctx context.Context, op string, attrs []slog.Attr, fn func(tx state.Tx) error) error {
	committed, err := p.store.Update(ctx, func(tx state.Tx) error {
		return translate(fn(tx))
	})
	if err != nil {
		err = translate(err)
		p.fail(ctx, op, attrs, err)
		return err
	}

	p.metrics.ObserveOperation(op, "ok")
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("operation", op))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	p.audit.InfoContext(ctx, "registry operation committed", args...)
	p.relay(ctx, committed)
	return nil
}

func (p *Program) fail(ctx context.Context, op string, attrs []slog.Attr, err error) {
	code := xerrors.CodeOf(err)
	p.metrics.ObserveOperation(op, string(code))

	args := make([]any, 0, len(attrs)+3)
	args = append(args, slog.String("operation", op), slog.String("code", string(code)), slog.Any("error", err))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	if xerrors.SeverityOf(err) == xerrors.SeverityCritical {
		p.logger.ErrorContext(ctx, "registry operation failed", args...)
	} else {
		p.logger.WarnContext(ctx, "registry operation rejected", args...)
	}
	p.alert(ctx, op, err)
}

// relay 把已提交的事件交给发布器。失败只记录与告警，不影响已提交的状态。
func (p *Program) relay(ctx context.Context, committed []events.Event) {
	for _, evt := range committed {
		if err := p.publisher.Publish(ctx, evt); err != nil {
			p.metrics.ObserveRelay(false)
			wrapped := xerrors.Wrap(xerrors.CodePublishFailure, err, "投递事件失败",
				xerrors.WithMetadata("event_id", evt.ID),
				xerrors.WithMetadata("event", evt.Name))
			p.logger.ErrorContext(ctx, "event relay failed",
				slog.String("event", evt.Name),
				slog.Uint64("seq", evt.Seq),
				slog.Any("error", err))
			p.alert(ctx, "relay", wrapped)
			continue
		}
		p.metrics.ObserveRelay(true)
	}
}

func (p *Program) alert(ctx context.Context, op string, err error) {
	if p.alerter == nil {
		return
	}
	event, ok := alerting.FromError(op, err, time.Now())
	if !ok {
		return
	}
	if alertErr := p.alerter.Notify(ctx, event); alertErr != nil {
		p.logger.WarnContext(ctx, "alert dispatch failed", slog.String("operation", op), slog.Any("error", alertErr))
	}
}

// checkSigner 拒绝以程序派生地址作为调用者：金库地址或任何已持有记录的地址都不能签名或出资。
func checkSigner(ctx context.Context, r state.Reader, programID, signer address.Address) error {
	treasuryAddr, _, err := address.Treasury(programID)
	if err != nil {
		return err
	}
	if signer == treasuryAddr {
		return ErrUnauthorized
	}
	exists, err := r.Exists(ctx, signer)
	if err != nil {
		return err
	}
	if exists {
		return ErrUnauthorized
	}
	return nil
}

func emit(ctx context.Context, tx state.Tx, name string, payload any, ts int64) error {
	evt, err := events.New(name, payload, ts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "构造事件失败")
	}
	return tx.Emit(ctx, evt)
}
