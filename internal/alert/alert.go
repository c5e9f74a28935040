// Package alert 人工介入告警
package alert

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fulfillment/saga-orchestrator/pkg/logger"
)

const defaultStream = "saga:alerts"

// Publisher 把告警写入 Redis Stream，供值班消费端订阅
type Publisher struct {
	client *redis.Client
	stream string
	log    *logger.Logger
}

// NewPublisher 创建告警发布器
func NewPublisher(client *redis.Client, stream string, log *logger.Logger) *Publisher {
	if stream == "" {
		stream = defaultStream
	}
	return &Publisher{client: client, stream: stream, log: log}
}

// ManualIntervention 发布人工介入告警。client 为 nil 时仅记录日志。
func (p *Publisher) ManualIntervention(ctx context.Context, sagaID, definition, step, reason string) error {
	if p.log != nil {
		p.log.Errorf("saga requires manual intervention", map[string]interface{}{
			"sagaId":     sagaID,
			"definition": definition,
			"step":       step,
			"reason":     reason,
		})
	}

	if p.client == nil {
		return nil
	}

	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":       "MANUAL_INTERVENTION",
			"sagaId":     sagaID,
			"definition": definition,
			"step":       step,
			"reason":     reason,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
