package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	List      string
	BlockWait time.Duration
}

func (cfg *RedisConfig) applyDefaults() error {
	if cfg.Address == "" {
		return errors.New("Redis address 不能为空")
	}
	if cfg.List == "" {
		cfg.List = "said:events"
	}
	if cfg.BlockWait <= 0 {
		cfg.BlockWait = 5 * time.Second
	}
	return nil
}

// RedisBus 使用 Redis list 承载事件，LPUSH 写入、BRPOP 读取。
type RedisBus struct {
	client *redis.Client
	list   string
	wait   time.Duration
}

// NewRedisBus 创建 Redis 总线并检查连通性。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisBus{client: client, list: cfg.List, wait: cfg.BlockWait}, nil
}

// Publish 将事件写入 Redis。
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := b.client.LPush(ctx, b.list, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Subscribe 通过 BRPOP 消费事件，处理失败的事件重新放回队尾。
func (b *RedisBus) Subscribe(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := b.client.BRPop(ctx, b.wait, b.list).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- fmt.Errorf("Redis 读取事件失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				var event Event
				if err := json.Unmarshal([]byte(values[1]), &event); err != nil {
					continue
				}
				if handlerErr := handler(ctx, event); handlerErr != nil {
					_ = b.client.RPush(ctx, b.list, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
