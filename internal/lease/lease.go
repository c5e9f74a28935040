// Package lease saga 实例的时间租约，保证同一时刻至多一个 worker 驱动
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "saga:lease:"

var (
	ErrLeaseHeld = errors.New("lease held by another worker")
	ErrLeaseLost = errors.New("lease no longer held")
)

// Manager 基于 Redis SETNX 的租约管理器
type Manager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewManager 创建管理器
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{client: client, prefix: defaultPrefix, ttl: ttl}
}

// TTL 租约时长
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Lease 已持有的租约
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Acquire 获取租约。已被他人持有时返回 ErrLeaseHeld。
func (m *Manager) Acquire(ctx context.Context, sagaID string) (*Lease, error) {
	token := uuid.NewString()
	key := m.prefix + sagaID

	ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease acquire: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	return &Lease{client: m.client, key: key, token: token, ttl: m.ttl}, nil
}

// Held 是否有人持有该实例的租约
func (m *Manager) Held(ctx context.Context, sagaID string) (bool, error) {
	n, err := m.client.Exists(ctx, m.prefix+sagaID).Result()
	if err != nil {
		return false, fmt.Errorf("lease exists: %w", err)
	}
	return n > 0, nil
}

// Renew 续约。仅当仍持有自己的 token 时生效。
func (l *Lease) Renew(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease renew: %w", err)
	}
	if result != 1 {
		return ErrLeaseLost
	}
	return nil
}

// Release 释放租约（仅释放自己持有的）
func (l *Lease) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if err := l.client.Eval(ctx, script, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}
