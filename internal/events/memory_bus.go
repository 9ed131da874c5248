package events

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed 表示传输层已关闭。
var ErrBusClosed = errors.New("事件总线已关闭")

// ErrBusFull 表示内存总线缓冲区已满，事件未被投递。
var ErrBusFull = errors.New("事件总线缓冲区已满")

// MemoryBus 使用 channel 模拟消息总线，主要用于测试与单机部署。
type MemoryBus struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus 创建一个内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{ch: make(chan Event, size)}
}

// Publish 将事件投递到总线。缓冲区已满时立即返回 ErrBusFull，不阻塞调用方。
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- event:
		return nil
	default:
		return ErrBusFull
	}
}

// Subscribe 启动指定数量的协程消费事件，直到上下文取消或总线关闭。
func (b *MemoryBus) Subscribe(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrBusClosed
}

// Close 关闭内存总线。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
