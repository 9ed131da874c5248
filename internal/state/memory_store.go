package state

import (
	"context"
	"sync"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/events"
)

// MemoryStore 是进程内账本，Update 之间串行执行。
type MemoryStore struct {
	mu       sync.RWMutex
	rent     Rent
	records  map[address.Address][]byte
	balances map[address.Address]uint64
	outbox   []events.Event
	seq      uint64
	closed   bool
}

// NewMemoryStore 创建内存账本。
func NewMemoryStore(rent Rent) *MemoryStore {
	return &MemoryStore{
		rent:     rent,
		records:  make(map[address.Address][]byte),
		balances: make(map[address.Address]uint64),
	}
}

// Rent 实现 Store。
func (s *MemoryStore) Rent() Rent { return s.rent }

// Update 实现 Store。
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	tx := &memoryTx{
		store:    s,
		records:  make(map[address.Address][]byte),
		balances: make(map[address.Address]uint64),
	}
	if err := fn(tx); err != nil {
		return nil, err
	}

	for addr, data := range tx.records {
		s.records[addr] = data
	}
	for addr, amount := range tx.balances {
		s.balances[addr] = amount
	}
	committed := make([]events.Event, 0, len(tx.events))
	for _, evt := range tx.events {
		s.seq++
		evt.Seq = s.seq
		s.outbox = append(s.outbox, evt)
		committed = append(committed, evt)
	}
	return committed, nil
}

// View 实现 Store。
func (s *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn(&memoryTx{store: s})
}

// Fund 实现 Store。
func (s *MemoryStore) Fund(ctx context.Context, addr address.Address, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	next, err := addBalance(s.balances[addr], amount)
	if err != nil {
		return err
	}
	s.balances[addr] = next
	return nil
}

// Events 实现 Store。
func (s *MemoryStore) Events(ctx context.Context, after uint64, limit int) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []events.Event
	for _, evt := range s.outbox {
		if evt.Seq <= after {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memoryTx 在提交前把写入暂存在自己的映射中。只读视图下两个映射均为 nil。
type memoryTx struct {
	store    *MemoryStore
	records  map[address.Address][]byte
	balances map[address.Address]uint64
	events   []events.Event
}

func (tx *memoryTx) Load(_ context.Context, addr address.Address) ([]byte, error) {
	if data, ok := tx.records[addr]; ok {
		return cloneBytes(data), nil
	}
	if data, ok := tx.store.records[addr]; ok {
		return cloneBytes(data), nil
	}
	return nil, ErrNotFound
}

func (tx *memoryTx) Exists(ctx context.Context, addr address.Address) (bool, error) {
	if _, err := tx.Load(ctx, addr); err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (tx *memoryTx) Balance(_ context.Context, addr address.Address) (uint64, error) {
	if amount, ok := tx.balances[addr]; ok {
		return amount, nil
	}
	return tx.store.balances[addr], nil
}

func (tx *memoryTx) Create(ctx context.Context, payer, addr address.Address, data []byte) error {
	exists, err := tx.Exists(ctx, addr)
	if err != nil {
		return err
	}
	if exists {
		return ErrAddressInUse
	}
	if err := tx.Transfer(ctx, payer, addr, tx.store.rent.MinimumBalance(len(data))); err != nil {
		return err
	}
	tx.records[addr] = cloneBytes(data)
	return nil
}

func (tx *memoryTx) Save(ctx context.Context, addr address.Address, data []byte) error {
	exists, err := tx.Exists(ctx, addr)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	tx.records[addr] = cloneBytes(data)
	return nil
}

func (tx *memoryTx) Transfer(ctx context.Context, from, to address.Address, amount uint64) error {
	src, err := tx.Balance(ctx, from)
	if err != nil {
		return err
	}
	if src < amount {
		return ErrInsufficientFunds
	}
	if from == to {
		return nil
	}
	dst, err := tx.Balance(ctx, to)
	if err != nil {
		return err
	}
	next, err := addBalance(dst, amount)
	if err != nil {
		return err
	}
	tx.balances[from] = src - amount
	tx.balances[to] = next
	return nil
}

func (tx *memoryTx) Emit(_ context.Context, evt events.Event) error {
	tx.events = append(tx.events, evt)
	return nil
}

func cloneBytes(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
