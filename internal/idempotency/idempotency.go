// Package idempotency 步骤调用的幂等记录
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "saga:idem:"
	reservedValue = "RESERVED"
)

// Direction 调用方向
type Direction string

const (
	DirectionInvoke     Direction = "invoke"
	DirectionCompensate Direction = "compensate"
)

// Record 幂等记录
type Record struct {
	Done   bool            `json:"done"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Manager 基于 Redis 的幂等管理器。键在 TTL 后过期归档。
type Manager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewManager 创建管理器
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{client: client, prefix: defaultPrefix, ttl: ttl}
}

// Key 幂等键，由 sagaId、步骤名与方向决定
func Key(sagaID, step string, direction Direction) string {
	return fmt.Sprintf("%s:%s:%s", sagaID, step, direction)
}

// Reserve 原子预留。返回 true 表示首次预留成功，false 表示键已存在。
func (m *Manager) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.prefix+key, reservedValue, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency reserve: %w", err)
	}
	return ok, nil
}

// Complete 写入完成记录，保留原 TTL
func (m *Manager) Complete(ctx context.Context, key string, result json.RawMessage) error {
	data, err := json.Marshal(Record{Done: true, Result: result})
	if err != nil {
		return fmt.Errorf("idempotency marshal: %w", err)
	}
	if err := m.client.Set(ctx, m.prefix+key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

// Get 读取记录。键不存在时返回 (nil, nil)；预留中返回 Done=false。
func (m *Manager) Get(ctx context.Context, key string) (*Record, error) {
	value, err := m.client.Get(ctx, m.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency get: %w", err)
	}

	if value == reservedValue {
		return &Record{Done: false}, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return &rec, nil
}

// Release 删除预留（补偿失败后允许重新调用）
func (m *Manager) Release(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}
