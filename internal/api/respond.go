package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"SAID-Chain/internal/address"
	xerrors "SAID-Chain/internal/errors"
	"SAID-Chain/internal/record"
	"SAID-Chain/internal/registry"
	"SAID-Chain/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// ErrorResponse 是错误响应体。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case registry.CodeAlreadyInitialized, registry.CodeDuplicateIdentity, registry.CodeDuplicateValidation,
		state.CodeAddressInUse, xerrors.CodeConflict:
		return http.StatusConflict
	case registry.CodeUnauthorized:
		return http.StatusForbidden
	case xerrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case registry.CodeUnknownIdentity, registry.CodeTreasuryNotInitialized, xerrors.CodeNotFound:
		return http.StatusNotFound
	case registry.CodeInsufficientTreasuryBalance, registry.CodeInsufficientPayerBalance:
		return http.StatusPaymentRequired
	case record.CodeURITooLong, xerrors.CodeInvalidArgument, address.CodeInvalidSeeds:
		return http.StatusBadRequest
	case xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"request_id", RequestID(r.Context()),
			"path", r.URL.Path,
			"code", string(code),
			"error", err,
		)
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	writeJSON(w, status, ErrorResponse{Code: string(code), Message: message})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "request body is empty")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "request body is not valid JSON")
	}
	return nil
}

// parseHash 严格解析 32 字节十六进制，允许 0x 前缀。
func parseHash(field, raw string) (common.Hash, error) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s must be 32 bytes of hex", field))
	}
	return common.BytesToHash(decoded), nil
}
