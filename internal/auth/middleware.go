package auth

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"SAID-Chain/internal/address"
	xerrors "SAID-Chain/internal/errors"
	loggerpkg "SAID-Chain/pkg/logger"
)

// MaxBodyBytes 限制需要签名校验的请求体大小。
const MaxBodyBytes int64 = 64 << 10

type principalKey struct{}

// WithPrincipal 将调用主体存入上下文。
func WithPrincipal(ctx context.Context, principal address.Address) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext 取出调用主体。
func PrincipalFromContext(ctx context.Context) (address.Address, bool) {
	if ctx == nil {
		return address.Address{}, false
	}
	principal, ok := ctx.Value(principalKey{}).(address.Address)
	return principal, ok
}

// ErrorWriter 在认证失败时输出响应。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware 读取请求体、识别主体并写入审计日志。认证失败时交给 onError 输出。
func Middleware(verifier Verifier, audit *slog.Logger, onError ErrorWriter) func(http.Handler) http.Handler {
	if audit == nil {
		audit = loggerpkg.Audit()
	}
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := readBody(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			principal, err := verifier.Authenticate(r, body)
			if err != nil {
				audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"error", err.Error(),
				)
				onError(w, r, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithPrincipal(r.Context(), principal)))
			audit.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"principal", principal.Hex(),
			)
		})
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	r.Body.Close()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read request body")
	}
	if int64(len(body)) > MaxBodyBytes {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "request body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
