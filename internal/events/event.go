// Package events carries registry notifications from the committed outbox to
// external consumers over memory, Redis or RabbitMQ transports.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event 是一次状态变更发出的通知。
type Event struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// New 以 JSON 编码 payload 并分配事件 ID。Seq 由存储在提交时分配。
func New(name string, payload any, timestamp int64) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("编码事件 %s 失败: %w", name, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   raw,
		Timestamp: timestamp,
	}, nil
}

// Decode 将 payload 解析到 v。
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("事件 %s 没有 payload", e.Name)
	}
	return json.Unmarshal(e.Payload, v)
}

// Handler 处理订阅到的事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责向外部投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Subscriber 负责从传输层消费事件。
type Subscriber interface {
	Subscribe(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与订阅能力。
type Bus interface {
	Publisher
	Subscriber
}

// Discard 丢弃所有事件，用于未配置传输层的场景。
type Discard struct{}

// Publish 实现 Publisher。
func (Discard) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (Discard) Close() error { return nil }
