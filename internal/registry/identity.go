package registry

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/record"
	"SAID-Chain/internal/state"
)

// IdentityAccount 是身份记录及其地址。
type IdentityAccount struct {
	Address address.Address `json:"address"`
	record.Identity
}

// RegisterAgent 为 owner 创建身份并收取注册费。同一 owner 只能注册一次，
// 失败的注册不收取任何费用。
func (p *Program) RegisterAgent(ctx context.Context, owner address.Address, metadataURI string) (*IdentityAccount, error) {
	if err := record.CheckURI(metadataURI); err != nil {
		return nil, err
	}
	treasuryAddr, _, err := address.Treasury(p.id)
	if err != nil {
		return nil, err
	}
	addr, bump, err := address.Identity(p.id, owner)
	if err != nil {
		return nil, err
	}
	now, err := p.now(ctx)
	if err != nil {
		return nil, err
	}

	identity := record.Identity{Owner: owner, MetadataURI: metadataURI, CreatedAt: now, Bump: bump}
	data, err := identity.Encode()
	if err != nil {
		return nil, err
	}
	fee := p.fees.Registration

	attrs := []slog.Attr{slog.String("owner", owner.Hex()), slog.String("identity", addr.Hex())}
	err = p.execute(ctx, OpRegisterAgent, attrs, func(tx state.Tx) error {
		if err := checkSigner(ctx, tx, p.id, owner); err != nil {
			return err
		}
		exists, err := tx.Exists(ctx, addr)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdentity
		}
		if _, err := collect(ctx, tx, p.id, treasuryAddr, owner, fee); err != nil {
			return err
		}
		if err := tx.Create(ctx, owner, addr, data); err != nil {
			if stdErrors.Is(err, state.ErrAddressInUse) {
				return ErrDuplicateIdentity
			}
			return err
		}
		return emit(ctx, tx, EventAgentRegistered, AgentRegistered{
			AgentID:     addr,
			Owner:       owner,
			MetadataURI: metadataURI,
			FeePaid:     fee,
		}, now)
	})
	if err != nil {
		return nil, err
	}
	p.metrics.AddFeesCollected(fee)
	return &IdentityAccount{Address: addr, Identity: identity}, nil
}

// UpdateAgent 替换身份的元数据，只有记录中的 owner 可以调用。
func (p *Program) UpdateAgent(ctx context.Context, caller, identityAddr address.Address, metadataURI string) (*IdentityAccount, error) {
	if err := record.CheckURI(metadataURI); err != nil {
		return nil, err
	}
	now, err := p.now(ctx)
	if err != nil {
		return nil, err
	}

	var updated *record.Identity
	attrs := []slog.Attr{slog.String("caller", caller.Hex()), slog.String("identity", identityAddr.Hex())}
	err = p.execute(ctx, OpUpdateAgent, attrs, func(tx state.Tx) error {
		if err := checkSigner(ctx, tx, p.id, caller); err != nil {
			return err
		}
		identity, err := loadIdentity(ctx, tx, p.id, identityAddr)
		if err != nil {
			return err
		}
		if identity.Owner != caller {
			return ErrUnauthorized
		}
		identity.MetadataURI = metadataURI
		data, err := identity.Encode()
		if err != nil {
			return err
		}
		if err := tx.Save(ctx, identityAddr, data); err != nil {
			return err
		}
		updated = identity
		return emit(ctx, tx, EventAgentUpdated, AgentUpdated{AgentID: identityAddr, NewMetadataURI: metadataURI}, now)
	})
	if err != nil {
		return nil, err
	}
	return &IdentityAccount{Address: identityAddr, Identity: *updated}, nil
}

// GetIdentity 按地址查询身份。
func (p *Program) GetIdentity(ctx context.Context, identityAddr address.Address) (*IdentityAccount, error) {
	var out *IdentityAccount
	err := p.store.View(ctx, func(r state.Reader) error {
		identity, err := loadIdentity(ctx, r, p.id, identityAddr)
		if err != nil {
			return err
		}
		out = &IdentityAccount{Address: identityAddr, Identity: *identity}
		return nil
	})
	return out, err
}

// IdentityOf 按 owner 查询身份。
func (p *Program) IdentityOf(ctx context.Context, owner address.Address) (*IdentityAccount, error) {
	addr, _, err := address.Identity(p.id, owner)
	if err != nil {
		return nil, err
	}
	return p.GetIdentity(ctx, addr)
}

// loadIdentity 读取身份并用记录中的 owner 与 bump 重新派生地址，不一致时视为不存在。
func loadIdentity(ctx context.Context, r state.Reader, programID, addr address.Address) (*record.Identity, error) {
	data, err := r.Load(ctx, addr)
	if err != nil {
		if stdErrors.Is(err, state.ErrNotFound) {
			return nil, ErrUnknownIdentity
		}
		return nil, err
	}
	if kind, ok := record.KindOf(data); !ok || kind != record.KindIdentity {
		return nil, ErrUnknownIdentity
	}
	identity, err := record.DecodeIdentity(data)
	if err != nil {
		return nil, err
	}
	if !address.Verify(programID, addr, identity.Bump, address.SeedAgent, identity.Owner.Bytes()) {
		return nil, ErrUnknownIdentity
	}
	return identity, nil
}
