package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/auth"
	"SAID-Chain/internal/events"
	"SAID-Chain/internal/observability/metrics"
	"SAID-Chain/internal/registry"
	loggerpkg "SAID-Chain/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Registry 是 API 依赖的注册表操作集合。
type Registry interface {
	InitializeTreasury(ctx context.Context, authority address.Address) (*registry.TreasuryAccount, error)
	WithdrawFees(ctx context.Context, authority address.Address, amount uint64) error
	GetTreasury(ctx context.Context) (*registry.TreasuryAccount, error)
	RegisterAgent(ctx context.Context, owner address.Address, metadataURI string) (*registry.IdentityAccount, error)
	UpdateAgent(ctx context.Context, caller, identityAddr address.Address, metadataURI string) (*registry.IdentityAccount, error)
	GetIdentity(ctx context.Context, identityAddr address.Address) (*registry.IdentityAccount, error)
	IdentityOf(ctx context.Context, owner address.Address) (*registry.IdentityAccount, error)
	SubmitFeedback(ctx context.Context, reviewer, identityAddr address.Address, positive bool, feedbackContext string) (*registry.ReputationAccount, error)
	GetReputation(ctx context.Context, identityAddr address.Address) (*registry.ReputationAccount, error)
	ValidateWork(ctx context.Context, validator, identityAddr address.Address, taskHash [32]byte, passed bool, evidenceURI string) (*registry.ValidationAccount, error)
	GetValidation(ctx context.Context, identityAddr address.Address, taskHash [32]byte) (*registry.ValidationAccount, error)
	Balance(ctx context.Context, addr address.Address) (uint64, error)
	Events(ctx context.Context, after uint64, limit int) ([]events.Event, error)
	Fund(ctx context.Context, addr address.Address, amount uint64) error
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	registry        Registry
	verifier        auth.Verifier
	metrics         *metrics.Metrics
	logger          *slog.Logger
	audit           *slog.Logger
	enableFaucet    bool
	shutdownTimeout time.Duration
}

// Option 配置 Server。
type Option func(*Server)

// WithMetrics 记录 HTTP 指标并挂载 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger 设置请求日志。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuditLogger 设置认证审计日志。
func WithAuditLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.audit = logger
		}
	}
}

// WithFaucet 开启开发用充值接口。
func WithFaucet(enabled bool) Option {
	return func(s *Server) { s.enableFaucet = enabled }
}

// WithShutdownTimeout 设置优雅退出的等待时长。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, reg Registry, verifier auth.Verifier, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		registry:        reg,
		verifier:        verifier,
		logger:          loggerpkg.Named("api"),
		audit:           loggerpkg.Audit(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/treasury", s.handleGetTreasury)
		r.Get("/agents/{address}", s.handleGetAgent)
		r.Get("/agents/{address}/reputation", s.handleGetReputation)
		r.Get("/agents/{address}/validations/{task_hash}", s.handleGetValidation)
		r.Get("/owners/{owner}/agent", s.handleGetAgentByOwner)
		r.Get("/accounts/{address}/balance", s.handleGetBalance)
		r.Get("/events", s.handleListEvents)
		if s.enableFaucet {
			r.Post("/faucet", s.handleFaucet)
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.verifier, s.audit, func(w http.ResponseWriter, r *http.Request, err error) {
				s.writeError(w, r, err)
			}))
			r.Post("/treasury", s.handleInitializeTreasury)
			r.Post("/treasury/withdrawals", s.handleWithdraw)
			r.Post("/agents", s.handleRegisterAgent)
			r.Put("/agents/{address}", s.handleUpdateAgent)
			r.Post("/agents/{address}/feedback", s.handleSubmitFeedback)
			r.Post("/agents/{address}/validations", s.handleValidateWork)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("api server listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
