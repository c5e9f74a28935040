package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fulfillment/saga-orchestrator/internal/lease"
	"github.com/fulfillment/saga-orchestrator/internal/stream"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
)

// Runner 驱动单个 saga 实例直到终态或让出
type Runner interface {
	Run(ctx context.Context, sagaID string) error
}

// WorkerPool 消费派发流的 worker 池。同组内消息只会被一个 worker 读到，
// 实例级互斥由租约保证。
type WorkerPool struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	count    int
	runner   Runner
	opts     *stream.ConsumerOptions
	log      *logger.Logger
}

// NewWorkerPool 创建 worker 池，count 个消费者以 consumer 为名字前缀
func NewWorkerPool(client *redis.Client, streamName, group, consumer string, count int, runner Runner, opts *stream.ConsumerOptions, log *logger.Logger) *WorkerPool {
	if count <= 0 {
		count = 1
	}
	if log == nil {
		log = logger.New("saga-worker", nil)
	}
	return &WorkerPool{
		client:   client,
		stream:   streamName,
		group:    group,
		consumer: consumer,
		count:    count,
		runner:   runner,
		opts:     opts,
		log:      log,
	}
}

// Start 启动所有 worker，阻塞直到 ctx 取消
func (p *WorkerPool) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.count; i++ {
		name := fmt.Sprintf("%s-%d", p.consumer, i)
		consumer := stream.NewConsumer(p.client, p.stream, p.group, name, p.handle, p.opts, p.log.WithField("worker", name))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				p.log.WithField("worker", name).WithError(err).Error("worker exited")
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// handle 处理单条派发。租约被他人持有时视为已被接管，直接 ACK。
func (p *WorkerPool) handle(ctx context.Context, job *stream.Dispatch) error {
	err := p.runner.Run(ctx, job.SagaID)
	if err == nil || errors.Is(err, lease.ErrLeaseHeld) {
		return nil
	}
	return err
}
