// Package recovery 僵死实例扫描恢复
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fulfillment/saga-orchestrator/internal/lease"
	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/store"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
)

// Dispatcher 重新派发恢复的实例
type Dispatcher interface {
	Dispatch(ctx context.Context, sagaID, reason string) (string, error)
}

// Alerter 人工介入告警
type Alerter interface {
	ManualIntervention(ctx context.Context, sagaID, definition, step, reason string) error
}

// Config 扫描参数
type Config struct {
	Interval          time.Duration // 定时扫描间隔
	CronExpr          string        // 非空时用 cron 表达式调度，覆盖 Interval
	StuckAfter        time.Duration // 超过该时长未推进视为僵死
	MaxResumeAttempts int           // 恢复次数预算，超过后升级人工介入
	BatchSize         int           // 单次扫描的实例数上限
	Retention         time.Duration // 终态实例保留时长，0 表示不清理
}

// Sweeper 周期扫描活跃但长时间未推进的实例并重新派发。
// 持有有效租约的实例说明仍有 worker 在驱动，跳过。
type Sweeper struct {
	store      store.Store
	leases     *lease.Manager
	dispatcher Dispatcher
	alerts     Alerter
	metrics    *metrics.Metrics
	log        *logger.Logger
	cfg        Config

	now func() int64
}

// New 创建扫描器
func New(st store.Store, leases *lease.Manager, dispatcher Dispatcher, alerts Alerter, m *metrics.Metrics, log *logger.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 2 * time.Minute
	}
	if cfg.MaxResumeAttempts <= 0 {
		cfg.MaxResumeAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = logger.New("sweeper", nil)
	}
	return &Sweeper{
		store:      st,
		leases:     leases,
		dispatcher: dispatcher,
		alerts:     alerts,
		metrics:    m,
		log:        log,
		cfg:        cfg,
		now:        func() int64 { return time.Now().UnixMilli() },
	}
}

// Run 按固定间隔扫描，阻塞直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("sweep failed")
			}
		}
	}
}

// RunCron 按 cron 表达式调度扫描，阻塞直到 ctx 取消
func (s *Sweeper) RunCron(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(s.cfg.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("scheduled sweep failed")
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return ctx.Err()
}

// Sweep 单轮扫描
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.now() - s.cfg.StuckAfter.Milliseconds()
	stuck, err := s.store.ListStuck(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stuck: %w", err)
	}

	for _, inst := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.resume(ctx, inst); err != nil {
			s.log.WithSaga(inst.SagaID).WithError(err).Warn("resume failed")
		}
	}

	if s.cfg.Retention > 0 {
		deleted, err := s.store.DeleteTerminalBefore(ctx, s.now()-s.cfg.Retention.Milliseconds())
		if err != nil {
			return fmt.Errorf("retention cleanup: %w", err)
		}
		if deleted > 0 {
			s.log.WithField("deleted", deleted).Info("terminal sagas cleaned up")
		}
	}
	return nil
}

// resume 恢复单个实例：有租约跳过，超预算升级，否则记录恢复事件并重新派发
func (s *Sweeper) resume(ctx context.Context, inst *store.Instance) error {
	held, err := s.leases.Held(ctx, inst.SagaID)
	if err != nil {
		return fmt.Errorf("check lease: %w", err)
	}
	if held {
		return nil
	}

	if inst.ResumeAttempts >= s.cfg.MaxResumeAttempts {
		return s.escalate(ctx, inst)
	}

	next, err := s.store.Append(ctx, inst.Version, store.Event{
		SagaID:       inst.SagaID,
		Version:      inst.Version + 1,
		Type:         store.EventSweeperResumed,
		CreateTimeMs: s.now(),
	})
	if err != nil {
		// 并发推进说明实例已被接管，不算失败
		if errors.Is(err, store.ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("append resume event: %w", err)
	}

	if _, err := s.dispatcher.Dispatch(ctx, next.SagaID, "sweeper resume"); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	s.metrics.IncSweeperResumed()
	s.log.WithSaga(inst.SagaID).WithField("resumeAttempts", next.ResumeAttempts).Info("stuck saga re-dispatched")
	return nil
}

func (s *Sweeper) escalate(ctx context.Context, inst *store.Instance) error {
	reason := fmt.Sprintf("stuck after %d resume attempts", inst.ResumeAttempts)
	next, err := s.store.Append(ctx, inst.Version, store.Event{
		SagaID:       inst.SagaID,
		Version:      inst.Version + 1,
		Type:         store.EventManualRequired,
		Reason:       reason,
		CreateTimeMs: s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("append escalation event: %w", err)
	}

	s.metrics.IncManualIntervention(next.Definition)
	if s.alerts != nil {
		step := ""
		if next.CurrentStep >= 0 && next.CurrentStep < len(next.Steps) {
			step = next.Steps[next.CurrentStep].Name
		}
		if err := s.alerts.ManualIntervention(ctx, next.SagaID, next.Definition, step, reason); err != nil {
			s.log.WithSaga(next.SagaID).WithError(err).Error("failed to publish alert")
		}
	}
	return nil
}
