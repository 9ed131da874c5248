package registry

import (
	"context"
	stdErrors "errors"

	xerrors "SAID-Chain/internal/errors"
	"SAID-Chain/internal/state"
)

// 注册表错误码。除 INSUFFICIENT_PAYER_BALANCE 外均为确定性错误，重试不会改变结果。
const (
	CodeAlreadyInitialized          xerrors.Code = "ALREADY_INITIALIZED"
	CodeDuplicateIdentity           xerrors.Code = "DUPLICATE_IDENTITY"
	CodeDuplicateValidation         xerrors.Code = "DUPLICATE_VALIDATION"
	CodeUnknownIdentity             xerrors.Code = "UNKNOWN_IDENTITY"
	CodeUnauthorized                xerrors.Code = "UNAUTHORIZED"
	CodeInsufficientTreasuryBalance xerrors.Code = "INSUFFICIENT_TREASURY_BALANCE"
	CodeInsufficientPayerBalance    xerrors.Code = "INSUFFICIENT_PAYER_BALANCE"
	CodeTreasuryNotInitialized      xerrors.Code = "TREASURY_NOT_INITIALIZED"
	CodeArithmeticOverflow          xerrors.Code = "ARITHMETIC_OVERFLOW"
)

var (
	ErrAlreadyInitialized          = xerrors.New(CodeAlreadyInitialized, "treasury already initialized")
	ErrDuplicateIdentity           = xerrors.New(CodeDuplicateIdentity, "identity already registered for owner")
	ErrDuplicateValidation         = xerrors.New(CodeDuplicateValidation, "task already validated for identity")
	ErrUnknownIdentity             = xerrors.New(CodeUnknownIdentity, "identity not found")
	ErrUnauthorized                = xerrors.New(CodeUnauthorized, "caller is not allowed to perform this operation")
	ErrInsufficientTreasuryBalance = xerrors.New(CodeInsufficientTreasuryBalance, "insufficient treasury balance for withdrawal")
	ErrInsufficientPayerBalance    = xerrors.New(CodeInsufficientPayerBalance, "payer balance cannot cover the transfer")
	ErrTreasuryNotInitialized      = xerrors.New(CodeTreasuryNotInitialized, "treasury not initialized")
	ErrArithmeticOverflow          = xerrors.New(CodeArithmeticOverflow, "counter overflow")
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeAlreadyInitialized:          {Message: "treasury already initialized", Severity: xerrors.SeverityInfo},
		CodeDuplicateIdentity:           {Message: "identity already registered for owner", Severity: xerrors.SeverityInfo},
		CodeDuplicateValidation:         {Message: "task already validated for identity", Severity: xerrors.SeverityInfo},
		CodeUnknownIdentity:             {Message: "identity not found", Severity: xerrors.SeverityInfo},
		CodeUnauthorized:                {Message: "caller is not allowed to perform this operation", Severity: xerrors.SeverityWarning},
		CodeInsufficientTreasuryBalance: {Message: "insufficient treasury balance for withdrawal", Severity: xerrors.SeverityInfo},
		CodeInsufficientPayerBalance:    {Message: "payer balance cannot cover the transfer", Severity: xerrors.SeverityInfo, Retryable: true},
		CodeTreasuryNotInitialized:      {Message: "treasury not initialized", Severity: xerrors.SeverityWarning},
		CodeArithmeticOverflow:          {Message: "counter overflow", Severity: xerrors.SeverityCritical, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// translate 把账本层的错误映射为注册表错误码。
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "调用方已取消请求", xerrors.WithAlert(false))
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "操作超时")
	case stdErrors.Is(err, state.ErrInsufficientFunds):
		return ErrInsufficientPayerBalance
	case stdErrors.Is(err, state.ErrBalanceOverflow):
		return ErrArithmeticOverflow
	default:
		return err
	}
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

// ErrValidationNotFound 表示 (身份, 任务) 尚无验证记录。
var ErrValidationNotFound = xerrors.New(xerrors.CodeNotFound, "validation record not found")
