// Package state 提供注册表运行所依赖的宿主账本：按地址存放的记录、原生余额、
// 租金预留以及与状态变更同事务提交的事件发件箱。
package state

import (
	"context"

	"SAID-Chain/internal/address"
	xerrors "SAID-Chain/internal/errors"
	"SAID-Chain/internal/events"
)

const (
	CodeAddressInUse      xerrors.Code = "ADDRESS_IN_USE"
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeBalanceOverflow   xerrors.Code = "BALANCE_OVERFLOW"
)

var (
	// ErrNotFound 表示地址上没有记录。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "record not found")
	// ErrAddressInUse 表示目标地址已被占用，先写入者获胜。
	ErrAddressInUse = xerrors.New(CodeAddressInUse, "address already holds a record")
	// ErrInsufficientFunds 表示付款方余额不足以完成转账。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrBalanceOverflow 表示入账后余额将超过 64 位上限。
	ErrBalanceOverflow = xerrors.New(CodeBalanceOverflow, "balance overflow")
)

func init() {
	xerrors.Register(CodeAddressInUse, xerrors.Attributes{
		Message:  "address already holds a record",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient funds",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBalanceOverflow, xerrors.Attributes{
		Message:  "balance overflow",
		Severity: xerrors.SeverityWarning,
	})
}

// Reader 是只读视图。
type Reader interface {
	// Load 返回地址上的记录字节，不存在时返回 ErrNotFound。
	Load(ctx context.Context, addr address.Address) ([]byte, error)
	// Exists 判断地址上是否已有记录。
	Exists(ctx context.Context, addr address.Address) (bool, error)
	// Balance 返回地址持有的原生余额。
	Balance(ctx context.Context, addr address.Address) (uint64, error)
}

// Tx 是单次操作内可见的读写视图。Update 回调返回错误时其中所有写入都会丢弃。
type Tx interface {
	Reader
	// Create 在空地址上写入新记录，并由 payer 为其预留租金。
	Create(ctx context.Context, payer, addr address.Address, data []byte) error
	// Save 覆盖已存在的记录。
	Save(ctx context.Context, addr address.Address, data []byte) error
	// Transfer 在两个地址之间转移原生余额。
	Transfer(ctx context.Context, from, to address.Address, amount uint64) error
	// Emit 将事件追加到发件箱，随事务一起提交。
	Emit(ctx context.Context, evt events.Event) error
}

// Store 是宿主账本。
type Store interface {
	// Update 以全有或全无的方式执行 fn，返回本次提交的事件（已分配序号）。
	Update(ctx context.Context, fn func(Tx) error) ([]events.Event, error)
	// View 在一致的快照上执行只读回调。
	View(ctx context.Context, fn func(Reader) error) error
	// Fund 直接为地址充值，仅供开发环境水龙头使用。
	Fund(ctx context.Context, addr address.Address, amount uint64) error
	// Events 按提交顺序返回序号大于 after 的事件。
	Events(ctx context.Context, after uint64, limit int) ([]events.Event, error)
	// Rent 返回账本使用的租金参数。
	Rent() Rent
	Close() error
}

func addBalance(current, amount uint64) (uint64, error) {
	sum := current + amount
	if sum < current {
		return 0, ErrBalanceOverflow
	}
	return sum, nil
}

// ErrStoreClosed 表示账本已关闭。
var ErrStoreClosed = xerrors.New(xerrors.CodeStorageFailure, "store closed")
