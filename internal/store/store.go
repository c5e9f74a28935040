package store

import (
	"context"
	"errors"
)

var (
	ErrSagaNotFound         = errors.New("saga not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")
)

// Store saga 实例存储。事件只追加，快照由事件折叠得出。
// Append 带乐观并发控制：expectedVersion 不匹配时返回 ErrVersionConflict。
type Store interface {
	// Create 写入 SAGA_STARTED 事件并建立快照
	Create(ctx context.Context, ev Event) (*Instance, error)

	// Append 追加事件并推进快照
	Append(ctx context.Context, expectedVersion int64, ev Event) (*Instance, error)

	Get(ctx context.Context, sagaID string) (*Instance, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*Instance, error)
	Events(ctx context.Context, sagaID string) ([]Event, error)

	// List 按状态列出实例，status 为空列出全部
	List(ctx context.Context, status Status, limit int) ([]*Instance, error)

	// ListStuck 列出活跃但长时间未推进的实例
	ListStuck(ctx context.Context, updatedBeforeMs int64, limit int) ([]*Instance, error)

	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// DeleteTerminalBefore 清理早于指定时间进入终态的实例及其事件日志
	DeleteTerminalBefore(ctx context.Context, beforeMs int64) (int64, error)
}
