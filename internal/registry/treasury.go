package registry

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/record"
	"SAID-Chain/internal/state"
)

// TreasuryAccount 是金库记录及其当前余额。
type TreasuryAccount struct {
	Address address.Address `json:"address"`
	record.Treasury
	Balance uint64 `json:"balance"`
	Reserve uint64 `json:"reserve"`
}

// InitializeTreasury 创建单例金库，调用者成为 authority。
func (p *Program) InitializeTreasury(ctx context.Context, authority address.Address) (*TreasuryAccount, error) {
	addr, bump, err := address.Treasury(p.id)
	if err != nil {
		return nil, err
	}
	treasury := record.Treasury{Authority: authority, Bump: bump}

	attrs := []slog.Attr{slog.String("authority", authority.Hex()), slog.String("treasury", addr.Hex())}
	err = p.execute(ctx, OpInitializeTreasury, attrs, func(tx state.Tx) error {
		if err := checkSigner(ctx, tx, p.id, authority); err != nil {
			return err
		}
		if err := tx.Create(ctx, authority, addr, treasury.Encode()); err != nil {
			if stdErrors.Is(err, state.ErrAddressInUse) {
				return ErrAlreadyInitialized
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.GetTreasury(ctx)
}

// WithdrawFees 由 authority 从金库提取 amount，金库必须保留自身的最低余额。
// total_collected 是累计值，提取不会减少它。
func (p *Program) WithdrawFees(ctx context.Context, authority address.Address, amount uint64) error {
	addr, _, err := address.Treasury(p.id)
	if err != nil {
		return err
	}
	now, err := p.now(ctx)
	if err != nil {
		return err
	}
	reserve := p.store.Rent().MinimumBalance(record.TreasurySpace)

	attrs := []slog.Attr{slog.String("authority", authority.Hex()), slog.Uint64("amount", amount)}
	err = p.execute(ctx, OpWithdrawFees, attrs, func(tx state.Tx) error {
		if err := checkSigner(ctx, tx, p.id, authority); err != nil {
			return err
		}
		treasury, err := loadTreasury(ctx, tx, p.id, addr)
		if err != nil {
			return err
		}
		if treasury.Authority != authority {
			return ErrUnauthorized
		}
		balance, err := tx.Balance(ctx, addr)
		if err != nil {
			return err
		}
		if amount > balance || balance-amount < reserve {
			return ErrInsufficientTreasuryBalance
		}
		if err := tx.Transfer(ctx, addr, authority, amount); err != nil {
			return err
		}
		return emit(ctx, tx, EventFeesWithdrawn, FeesWithdrawn{Authority: authority, Amount: amount}, now)
	})
	if err != nil {
		return err
	}
	p.metrics.AddFeesWithdrawn(amount)
	return nil
}

// GetTreasury 返回金库记录。
func (p *Program) GetTreasury(ctx context.Context) (*TreasuryAccount, error) {
	addr, _, err := address.Treasury(p.id)
	if err != nil {
		return nil, err
	}
	var out *TreasuryAccount
	err = p.store.View(ctx, func(r state.Reader) error {
		treasury, err := loadTreasury(ctx, r, p.id, addr)
		if err != nil {
			return err
		}
		balance, err := r.Balance(ctx, addr)
		if err != nil {
			return err
		}
		out = &TreasuryAccount{
			Address:  addr,
			Treasury: *treasury,
			Balance:  balance,
			Reserve:  p.store.Rent().MinimumBalance(record.TreasurySpace),
		}
		return nil
	})
	return out, err
}

// collect 把费用从 payer 转入金库并累加 total_collected。
func collect(ctx context.Context, tx state.Tx, programID, treasuryAddr, payer address.Address, amount uint64) (*record.Treasury, error) {
	treasury, err := loadTreasury(ctx, tx, programID, treasuryAddr)
	if err != nil {
		return nil, err
	}
	total, err := checkedAdd(treasury.TotalCollected, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.Transfer(ctx, payer, treasuryAddr, amount); err != nil {
		return nil, err
	}
	treasury.TotalCollected = total
	if err := tx.Save(ctx, treasuryAddr, treasury.Encode()); err != nil {
		return nil, err
	}
	return treasury, nil
}

func loadTreasury(ctx context.Context, r state.Reader, programID, addr address.Address) (*record.Treasury, error) {
	data, err := r.Load(ctx, addr)
	if err != nil {
		if stdErrors.Is(err, state.ErrNotFound) {
			return nil, ErrTreasuryNotInitialized
		}
		return nil, err
	}
	treasury, err := record.DecodeTreasury(data)
	if err != nil {
		return nil, err
	}
	if !address.Verify(programID, addr, treasury.Bump, address.SeedTreasury) {
		return nil, ErrTreasuryNotInitialized
	}
	return treasury, nil
}
