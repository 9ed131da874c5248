package registry

import (
	"context"
	"log/slog"

	"SAID-Chain/internal/address"
	xerrors "SAID-Chain/internal/errors"
	"SAID-Chain/internal/events"
	"SAID-Chain/internal/state"
)

// MaxEventPage 是单次事件查询返回的上限。
const MaxEventPage = 500

// Balance 返回地址的原生余额。
func (p *Program) Balance(ctx context.Context, addr address.Address) (uint64, error) {
	var out uint64
	err := p.store.View(ctx, func(r state.Reader) error {
		balance, err := r.Balance(ctx, addr)
		out = balance
		return err
	})
	return out, err
}

// Events 按提交顺序返回序号大于 after 的事件。
func (p *Program) Events(ctx context.Context, after uint64, limit int) ([]events.Event, error) {
	if limit <= 0 || limit > MaxEventPage {
		limit = MaxEventPage
	}
	return p.store.Events(ctx, after, limit)
}

// Fund 为地址充值，仅用于开发网络的水龙头。
func (p *Program) Fund(ctx context.Context, addr address.Address, amount uint64) error {
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	if err := translate(p.store.Fund(ctx, addr, amount)); err != nil {
		return err
	}
	p.audit.InfoContext(ctx, "faucet funded account", slog.String("address", addr.Hex()), slog.Uint64("amount", amount))
	return nil
}
