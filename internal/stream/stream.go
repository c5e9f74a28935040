// Package stream 基于 Redis Streams 的 saga 派发
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fulfillment/saga-orchestrator/pkg/logger"
)

// Dispatch 一条派发任务，驱动某个 saga 实例
type Dispatch struct {
	SagaID string `json:"sagaId"`
	Reason string `json:"reason,omitempty"`
}

// Dispatcher 把派发任务写入 Stream
type Dispatcher struct {
	client *redis.Client
	stream string
}

// NewDispatcher 创建派发器
func NewDispatcher(client *redis.Client, stream string) *Dispatcher {
	return &Dispatcher{client: client, stream: stream}
}

// Dispatch 发布派发任务，返回消息 ID
func (d *Dispatcher) Dispatch(ctx context.Context, sagaID, reason string) (string, error) {
	data, err := json.Marshal(Dispatch{SagaID: sagaID, Reason: reason})
	if err != nil {
		return "", fmt.Errorf("marshal dispatch: %w", err)
	}

	id, err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Handler 派发任务处理函数。返回错误时消息保持 pending，由认领逻辑重试。
type Handler func(ctx context.Context, job *Dispatch) error

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 最大投递次数，超过后进死信流
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           3,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

// Consumer 派发流消费者。同组多个消费者竞争消费，租约保证同一 saga 不会并发执行。
type Consumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	handler  Handler
	opts     ConsumerOptions
	log      *logger.Logger
}

// NewConsumer 创建消费者
func NewConsumer(client *redis.Client, stream, group, consumer string, handler Handler, opts *ConsumerOptions, log *logger.Logger) *Consumer {
	merged := DefaultConsumerOptions
	if opts != nil {
		if opts.BatchSize > 0 {
			merged.BatchSize = opts.BatchSize
		}
		if opts.BlockTime > 0 {
			merged.BlockTime = opts.BlockTime
		}
		if opts.MaxRetries > 0 {
			merged.MaxRetries = opts.MaxRetries
		}
		if opts.ClaimMinIdle > 0 {
			merged.ClaimMinIdle = opts.ClaimMinIdle
		}
		if opts.PendingCheckInterval > 0 {
			merged.PendingCheckInterval = opts.PendingCheckInterval
		}
	}
	if log == nil {
		log = logger.New("stream-consumer", nil)
	}
	return &Consumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		handler:  handler,
		opts:     merged,
		log:      log,
	}
}

// EnsureGroup 确保消费者组存在
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// Start 启动消费，阻塞直到 ctx 取消
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	// 先接管上次遗留的 pending 消息
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	return c.consume(ctx)
}

// processPending 认领并重放空闲过久的 pending 消息
func (c *Consumer) processPending(ctx context.Context) error {
	for {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  int64(c.opts.BatchSize),
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		ids := make([]string, 0, len(pending))
		dlqIDs := make(map[string]int64)
		for _, p := range pending {
			if p.Idle >= c.opts.ClaimMinIdle {
				ids = append(ids, p.ID)
				if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
					dlqIDs[p.ID] = p.RetryCount
				}
			}
		}
		if len(ids) == 0 {
			return nil
		}

		messages, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.opts.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim: %w", err)
		}

		for _, m := range messages {
			if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
				if err := c.sendToDLQ(ctx, &m, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
					c.log.WithError(err).Error("send to dlq failed")
					continue
				}
				if err := c.ack(ctx, m.ID); err != nil {
					c.log.WithError(err).Error("ack dlq message failed")
				}
				continue
			}

			if err := c.processMessage(ctx, m); err != nil {
				c.log.WithError(err).WithField("msgId", m.ID).Warn("pending message failed, will retry")
			}
		}
	}
}

// consume 消费新消息
func (c *Consumer) consume(ctx context.Context) error {
	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Error("process pending failed")
			}
		default:
		}

		results, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, m); err != nil {
					c.log.WithError(err).WithField("msgId", m.ID).Warn("dispatch failed, will retry")
				}
			}
		}
	}
}

// processMessage 处理单条消息。成功或消息无效时 ACK。
func (c *Consumer) processMessage(ctx context.Context, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		return c.ack(ctx, m.ID)
	}

	var job Dispatch
	if err := json.Unmarshal([]byte(data), &job); err != nil || job.SagaID == "" {
		c.log.WithField("msgId", m.ID).Warn("invalid dispatch message, acking")
		return c.ack(ctx, m.ID)
	}

	if err := c.handler(ctx, &job); err != nil {
		if c.opts.MaxRetries > 0 {
			pending, pErr := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: c.stream,
				Group:  c.group,
				Start:  m.ID,
				End:    m.ID,
				Count:  1,
			}).Result()
			if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries) {
				if dlqErr := c.sendToDLQ(ctx, &m, err.Error()); dlqErr == nil {
					return c.ack(ctx, m.ID)
				}
			}
		}
		return err
	}

	return c.ack(ctx, m.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}

func (c *Consumer) sendToDLQ(ctx context.Context, m *redis.XMessage, reason string) error {
	_, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream + ":dlq",
		Values: map[string]interface{}{
			"stream":   c.stream,
			"msgId":    m.ID,
			"reason":   reason,
			"data":     m.Values["data"],
			"tsMs":     time.Now().UnixMilli(),
			"group":    c.group,
			"consumer": c.consumer,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return nil
}
