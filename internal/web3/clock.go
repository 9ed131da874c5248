// Package web3 supplies the time source used to stamp registry records. The
// chain clock reads the timestamp of the latest block from an EVM node so that
// every replica stamps records with the same ledger time.
package web3

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "SAID-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Clock 返回当前的 Unix 秒。
type Clock interface {
	Now(ctx context.Context) (int64, error)
}

// ClockFunc 让普通函数满足 Clock。
type ClockFunc func(ctx context.Context) (int64, error)

// Now 实现 Clock。
func (f ClockFunc) Now(ctx context.Context) (int64, error) { return f(ctx) }

// Fixed 返回恒定时间的时钟，用于测试与回放。
func Fixed(ts int64) Clock {
	return ClockFunc(func(context.Context) (int64, error) { return ts, nil })
}

// SystemClock 使用本机时间。
type SystemClock struct{}

// Now 实现 Clock。
func (SystemClock) Now(context.Context) (int64, error) { return time.Now().Unix(), nil }

// HeaderSource 是 ChainClock 依赖的最小节点能力，*ethclient.Client 满足该接口。
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainClock 以最新区块时间作为当前时间，并在 ttl 内复用上一次读取的结果。
type ChainClock struct {
	source HeaderSource
	ttl    time.Duration
	local  func() time.Time
	closer func()

	mu        sync.Mutex
	cached    int64
	fetchedAt time.Time
}

// NewChainClock 基于给定节点构造时钟。ttl 为 0 时每次都读取最新区块。
func NewChainClock(source HeaderSource, ttl time.Duration) *ChainClock {
	return &ChainClock{source: source, ttl: ttl, local: time.Now}
}

// DialChainClock 连接 RPC 节点并返回链上时钟。
func DialChainClock(ctx context.Context, rpcURL string, ttl time.Duration) (*ChainClock, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置链上时钟的 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "连接以太坊节点失败")
	}
	clock := NewChainClock(client, ttl)
	clock.closer = client.Close
	return clock, nil
}

// Now 实现 Clock。
func (c *ChainClock) Now(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl > 0 && !c.fetchedAt.IsZero() && c.local().Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}
	header, err := c.source.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取最新区块失败")
	}
	if header == nil {
		return 0, xerrors.New(xerrors.CodeUpstreamFailure, "节点返回空区块头")
	}
	if header.Time > math.MaxInt64 {
		return 0, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("区块时间超出范围: %d", header.Time))
	}
	c.cached = int64(header.Time)
	c.fetchedAt = c.local()
	return c.cached, nil
}

// Close 释放底层 RPC 连接。
func (c *ChainClock) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}
