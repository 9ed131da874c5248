package registry

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/record"
	"SAID-Chain/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// ValidationAccount 是验证记录及其地址。
type ValidationAccount struct {
	Address address.Address `json:"address"`
	record.Validation
	TaskHash common.Hash `json:"task_hash"`
}

func newValidationAccount(addr address.Address, v *record.Validation) *ValidationAccount {
	return &ValidationAccount{Address: addr, Validation: *v, TaskHash: common.Hash(v.TaskHash)}
}

// ValidateWork 记录 validator 对 (身份, 任务) 的结论。同一任务只能被验证一次，
// 后到者无论结论如何都会失败。不收取 ValidationFee。
func (p *Program) ValidateWork(ctx context.Context, validator, identityAddr address.Address, taskHash [32]byte, passed bool, evidenceURI string) (*ValidationAccount, error) {
	if err := record.CheckURI(evidenceURI); err != nil {
		return nil, err
	}
	addr, bump, err := address.Validation(p.id, identityAddr, taskHash)
	if err != nil {
		return nil, err
	}
	now, err := p.now(ctx)
	if err != nil {
		return nil, err
	}

	validation := record.Validation{
		Identity:    identityAddr,
		Validator:   validator,
		TaskHash:    taskHash,
		Passed:      passed,
		EvidenceURI: evidenceURI,
		Timestamp:   now,
		Bump:        bump,
	}
	data, err := validation.Encode()
	if err != nil {
		return nil, err
	}

	attrs := []slog.Attr{
		slog.String("validator", validator.Hex()),
		slog.String("identity", identityAddr.Hex()),
		slog.String("task_hash", common.Hash(taskHash).Hex()),
		slog.Bool("passed", passed),
	}
	err = p.execute(ctx, OpValidateWork, attrs, func(tx state.Tx) error {
		if err := checkSigner(ctx, tx, p.id, validator); err != nil {
			return err
		}
		if _, err := loadIdentity(ctx, tx, p.id, identityAddr); err != nil {
			return err
		}
		if err := tx.Create(ctx, validator, addr, data); err != nil {
			if stdErrors.Is(err, state.ErrAddressInUse) {
				return ErrDuplicateValidation
			}
			return err
		}
		return emit(ctx, tx, EventWorkValidated, WorkValidated{
			AgentID:     identityAddr,
			Validator:   validator,
			TaskHash:    common.Hash(taskHash),
			Passed:      passed,
			EvidenceURI: evidenceURI,
		}, now)
	})
	if err != nil {
		return nil, err
	}
	return newValidationAccount(addr, &validation), nil
}

// GetValidation 查询 (身份, 任务) 的验证记录。
func (p *Program) GetValidation(ctx context.Context, identityAddr address.Address, taskHash [32]byte) (*ValidationAccount, error) {
	addr, _, err := address.Validation(p.id, identityAddr, taskHash)
	if err != nil {
		return nil, err
	}
	var out *ValidationAccount
	err = p.store.View(ctx, func(r state.Reader) error {
		data, err := r.Load(ctx, addr)
		if err != nil {
			if stdErrors.Is(err, state.ErrNotFound) {
				return ErrValidationNotFound
			}
			return err
		}
		v, err := record.DecodeValidation(data)
		if err != nil {
			return err
		}
		out = newValidationAccount(addr, v)
		return nil
	})
	return out, err
}
