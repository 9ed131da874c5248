package registry

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/bits"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/record"
	"SAID-Chain/internal/state"
)

// ReputationAccount 是声誉记录及其地址。
type ReputationAccount struct {
	Address address.Address `json:"address"`
	record.Reputation
}

// SubmitFeedback 记录 reviewer 对身份的一次正面或负面反馈。任何主体都可以提交，
// 首次反馈时由 reviewer 出资创建声誉记录。
func (p *Program) SubmitFeedback(ctx context.Context, reviewer, identityAddr address.Address, positive bool, feedbackContext string) (*ReputationAccount, error) {
	repAddr, bump, err := address.Reputation(p.id, identityAddr)
	if err != nil {
		return nil, err
	}
	now, err := p.now(ctx)
	if err != nil {
		return nil, err
	}

	var rep *record.Reputation
	attrs := []slog.Attr{
		slog.String("reviewer", reviewer.Hex()),
		slog.String("identity", identityAddr.Hex()),
		slog.Bool("positive", positive),
	}
	err = p.execute(ctx, OpSubmitFeedback, attrs, func(tx state.Tx) error {
		if err := checkSigner(ctx, tx, p.id, reviewer); err != nil {
			return err
		}
		if _, err := loadIdentity(ctx, tx, p.id, identityAddr); err != nil {
			return err
		}
		current, err := loadOrInitReputation(ctx, tx, reviewer, repAddr, identityAddr, bump)
		if err != nil {
			return err
		}
		if err := applyFeedback(current, positive, now); err != nil {
			return err
		}
		if err := tx.Save(ctx, repAddr, current.Encode()); err != nil {
			return err
		}
		rep = current
		return emit(ctx, tx, EventFeedbackSubmitted, FeedbackSubmitted{
			AgentID:  identityAddr,
			From:     reviewer,
			Positive: positive,
			Context:  feedbackContext,
			NewScore: current.Score,
		}, now)
	})
	if err != nil {
		return nil, err
	}
	return &ReputationAccount{Address: repAddr, Reputation: *rep}, nil
}

// GetReputation 查询身份的声誉。尚未收到反馈的身份返回全零记录。
func (p *Program) GetReputation(ctx context.Context, identityAddr address.Address) (*ReputationAccount, error) {
	repAddr, bump, err := address.Reputation(p.id, identityAddr)
	if err != nil {
		return nil, err
	}
	var out *ReputationAccount
	err = p.store.View(ctx, func(r state.Reader) error {
		if _, err := loadIdentity(ctx, r, p.id, identityAddr); err != nil {
			return err
		}
		data, err := r.Load(ctx, repAddr)
		if stdErrors.Is(err, state.ErrNotFound) {
			out = &ReputationAccount{Address: repAddr, Reputation: record.Reputation{Identity: identityAddr, Bump: bump}}
			return nil
		}
		if err != nil {
			return err
		}
		rep, err := record.DecodeReputation(data)
		if err != nil {
			return err
		}
		out = &ReputationAccount{Address: repAddr, Reputation: *rep}
		return nil
	})
	return out, err
}

// loadOrInitReputation 返回已有记录，或在同一事务内创建并返回全零记录。
func loadOrInitReputation(ctx context.Context, tx state.Tx, payer, repAddr, identityAddr address.Address, bump uint8) (*record.Reputation, error) {
	data, err := tx.Load(ctx, repAddr)
	if err == nil {
		return record.DecodeReputation(data)
	}
	if !stdErrors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	fresh := &record.Reputation{Identity: identityAddr, Bump: bump}
	if err := tx.Create(ctx, payer, repAddr, fresh.Encode()); err != nil {
		return nil, err
	}
	return fresh, nil
}

// applyFeedback 更新计数并重算分数：floor(positive * 10000 / total)。
func applyFeedback(rep *record.Reputation, positive bool, now int64) error {
	total, err := checkedAdd(rep.TotalInteractions, 1)
	if err != nil {
		return err
	}
	pos, neg := rep.PositiveFeedback, rep.NegativeFeedback
	if positive {
		pos, err = checkedAdd(pos, 1)
	} else {
		neg, err = checkedAdd(neg, 1)
	}
	if err != nil {
		return err
	}

	rep.TotalInteractions = total
	rep.PositiveFeedback = pos
	rep.NegativeFeedback = neg
	rep.Score = Score(pos, total)
	rep.LastUpdated = now
	return nil
}

// Score 以基点计算正面反馈占比，向下取整。total 为 0 时返回 0。
func Score(positive, total uint64) uint16 {
	if total == 0 || positive > total {
		return 0
	}
	hi, lo := bits.Mul64(positive, uint64(record.MaxScore))
	quo, _ := bits.Div64(hi, lo, total)
	return uint16(quo)
}
