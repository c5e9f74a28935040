// Package executor saga 步骤执行器
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fulfillment/saga-orchestrator/internal/definition"
	"github.com/fulfillment/saga-orchestrator/internal/gateway"
	"github.com/fulfillment/saga-orchestrator/internal/idempotency"
	"github.com/fulfillment/saga-orchestrator/internal/lease"
	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/store"
	sagaerrors "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
)

// errStale 本地快照落后，需要重新加载后继续
var errStale = errors.New("instance advanced concurrently")

// Alerter 人工介入告警
type Alerter interface {
	ManualIntervention(ctx context.Context, sagaID, definition, step, reason string) error
}

// Executor 驱动单个 saga 实例：持有租约、逐步推进、失败时反向补偿。
// 每次状态推进先写事件日志再继续（write-ahead）。
type Executor struct {
	store    store.Store
	registry *definition.Registry
	gateway  *gateway.Registry
	idem     *idempotency.Manager
	leases   *lease.Manager
	alerts   Alerter
	metrics  *metrics.Metrics
	log      *logger.Logger

	sleep sleepFunc
	now   func() int64
}

// New 创建执行器
func New(
	st store.Store,
	registry *definition.Registry,
	gw *gateway.Registry,
	idem *idempotency.Manager,
	leases *lease.Manager,
	alerts Alerter,
	m *metrics.Metrics,
	log *logger.Logger,
) *Executor {
	if log == nil {
		log = logger.New("executor", nil)
	}
	return &Executor{
		store:    st,
		registry: registry,
		gateway:  gw,
		idem:     idem,
		leases:   leases,
		alerts:   alerts,
		metrics:  m,
		log:      log,
		sleep:    sleepContext,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Run 驱动实例直到终态、人工介入或出错。
// 租约被他人持有时返回 lease.ErrLeaseHeld。
func (e *Executor) Run(ctx context.Context, sagaID string) error {
	l, err := e.leases.Acquire(ctx, sagaID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopRenew := e.keepAlive(runCtx, l, cancel)
	defer stopRenew()
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer releaseCancel()
		_ = l.Release(releaseCtx)
	}()

	log := e.log.WithSaga(sagaID)

	for {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}

		inst, err := e.store.Get(runCtx, sagaID)
		if err != nil {
			return e.persistence(sagaID, "load instance", err)
		}

		switch {
		case inst.Status.Terminal() || inst.Status == store.StatusManual:
			return nil

		case inst.Status == store.StatusCompensating:
			err = e.runCompensation(runCtx, inst, log)

		default: // STARTED, STEP_RUNNING
			if inst.CancelRequested {
				_, err = e.beginCompensation(runCtx, inst, "cancel requested")
			} else {
				err = e.runForward(runCtx, inst, log)
			}
		}

		if err != nil {
			if errors.Is(err, errStale) {
				continue
			}
			return err
		}
	}
}

// keepAlive 周期续约，失去租约时中止执行
func (e *Executor) keepAlive(ctx context.Context, l *lease.Lease, cancel context.CancelFunc) func() {
	interval := e.leases.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := l.Renew(ctx); err != nil {
					if ctx.Err() == nil {
						e.log.WithError(err).Warn("lease renew failed, aborting run")
						cancel()
					}
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// runForward 正向推进剩余步骤
func (e *Executor) runForward(ctx context.Context, inst *store.Instance, log *logger.Logger) error {
	def, err := e.registry.Get(inst.Definition)
	if err != nil {
		return err
	}

	for i := range inst.Steps {
		if inst.CancelRequested {
			_, err := e.beginCompensation(ctx, inst, "cancel requested")
			return err
		}
		if inst.Steps[i].Status == store.StepSucceeded {
			continue
		}
		if inst.Steps[i].Status == store.StepFailed {
			// 上次运行已判定失败（崩溃在进入补偿前），不再重试
			_, err := e.beginCompensation(ctx, inst, inst.Steps[i].Reason)
			return err
		}

		stepDef := &def.Steps[i]
		inst, err = e.executeStep(ctx, inst, stepDef, log)
		if err != nil {
			return err
		}
		if inst.Steps[i].Status != store.StepSucceeded {
			// 步骤失败，进入补偿
			_, err := e.beginCompensation(ctx, inst, inst.Steps[i].Reason)
			return err
		}
	}

	inst, err = e.append(ctx, inst, store.Event{Type: store.EventSagaCompleted})
	if err != nil {
		return err
	}

	log.Info("saga completed")
	e.metrics.IncSagaFinished(inst.Definition, string(store.StatusCompleted))
	e.metrics.ObserveSagaDuration(time.Duration(inst.UpdateTimeMs-inst.CreateTimeMs) * time.Millisecond)
	return nil
}

// executeStep 带重试执行单个步骤，返回推进后的快照
func (e *Executor) executeStep(ctx context.Context, inst *store.Instance, stepDef *definition.Step, log *logger.Logger) (*store.Instance, error) {
	idx := inst.StepIndex(stepDef.Name)
	key := idempotency.Key(inst.SagaID, stepDef.Name, idempotency.DirectionInvoke)
	backoff := stepDef.Retry.InitialBackoff

	// 崩溃后续跑：已有完成记录直接复用结果，预算耗尽时也不能丢掉已落地的成功
	rec, err := e.idem.Get(ctx, key)
	if err != nil {
		return inst, e.persistence(inst.SagaID, "idempotency get", err)
	}
	if rec != nil && rec.Done {
		log.WithField("step", stepDef.Name).Info("reusing recorded step result")
		return e.append(ctx, inst, store.Event{
			Type:    store.EventStepSucceeded,
			Step:    stepDef.Name,
			Payload: rec.Result,
		})
	}

	var lastReason string
	var sawAmbiguous bool
	for inst.Steps[idx].Attempts < stepDef.Retry.MaxAttempts {
		var err error
		inst, err = e.append(ctx, inst, store.Event{Type: store.EventStepStarted, Step: stepDef.Name})
		if err != nil {
			return inst, err
		}

		outcome, err := e.callOnce(ctx, inst, stepDef.Invoke, stepDef.Name, stepDef.Timeout, key)
		if err != nil {
			return inst, err
		}
		e.metrics.IncStepAttempt(inst.Definition, stepDef.Name, string(outcome.Status))

		switch outcome.Status {
		case gateway.OutcomeSuccess:
			inst, err = e.append(ctx, inst, store.Event{
				Type:    store.EventStepSucceeded,
				Step:    stepDef.Name,
				Payload: outcome.Result,
			})
			if err != nil {
				return inst, err
			}
			log.WithField("step", stepDef.Name).Info("step succeeded")
			return inst, nil

		case gateway.OutcomePermanent:
			log.WithField("step", stepDef.Name).WithField("reason", outcome.Reason).Warn("step failed permanently")
			return e.append(ctx, inst, store.Event{
				Type:    store.EventStepFailed,
				Step:    stepDef.Name,
				Reason:  outcome.Reason,
				Payload: failurePayload(true, sawAmbiguous),
			})

		default: // TRANSIENT_FAILURE, AMBIGUOUS_TIMEOUT
			lastReason = outcome.Reason
			if outcome.Status == gateway.OutcomeAmbiguous {
				sawAmbiguous = true
			}
			log.WithField("step", stepDef.Name).WithField("reason", outcome.Reason).Warn("step attempt failed, backing off")
			if inst.Steps[idx].Attempts < stepDef.Retry.MaxAttempts {
				if err := e.sleep(ctx, jitter(backoff)); err != nil {
					return inst, err
				}
				backoff = nextBackoff(backoff, stepDef.Retry.MaxBackoff)
			}
		}
	}

	return e.append(ctx, inst, store.Event{
		Type:    store.EventStepFailed,
		Step:    stepDef.Name,
		Reason:  fmt.Sprintf("retries exhausted after %d attempts: %s", inst.Steps[idx].Attempts, lastReason),
		Payload: failurePayload(false, sawAmbiguous),
	})
}

// callOnce 单次参与方调用，带幂等检查与单次超时
func (e *Executor) callOnce(ctx context.Context, inst *store.Instance, capability, step string, timeout time.Duration, key string) (*gateway.Outcome, error) {
	// 已有完成记录则直接复用结果，不再触达参与方
	rec, err := e.idem.Get(ctx, key)
	if err != nil {
		return nil, e.persistence(inst.SagaID, "idempotency get", err)
	}
	if rec != nil && rec.Done {
		return &gateway.Outcome{Status: gateway.OutcomeSuccess, Result: rec.Result}, nil
	}
	if rec == nil {
		if _, err := e.idem.Reserve(ctx, key); err != nil {
			return nil, e.persistence(inst.SagaID, "idempotency reserve", err)
		}
	}

	participant, err := e.gateway.Resolve(capability)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := participant.Call(callCtx, &gateway.Request{
		SagaID:         inst.SagaID,
		Step:           step,
		IdempotencyKey: key,
		Input:          inst.Input,
		StepResults:    succeededResults(inst),
	})

	if outcome.Status == gateway.OutcomeSuccess {
		if err := e.idem.Complete(ctx, key, outcome.Result); err != nil {
			return nil, e.persistence(inst.SagaID, "idempotency complete", err)
		}
	}
	return outcome, nil
}

// beginCompensation 进入补偿阶段
func (e *Executor) beginCompensation(ctx context.Context, inst *store.Instance, reason string) (*store.Instance, error) {
	return e.append(ctx, inst, store.Event{Type: store.EventCompensationStarted, Reason: reason})
}

// runCompensation 反向补偿所有已触达的步骤
func (e *Executor) runCompensation(ctx context.Context, inst *store.Instance, log *logger.Logger) error {
	def, err := e.registry.Get(inst.Definition)
	if err != nil {
		return err
	}

	for i := len(inst.Steps) - 1; i >= 0; i-- {
		rec := &inst.Steps[i]
		// 从未触达或已补偿完成的步骤跳过
		if rec.Status == store.StepPending || rec.Status == store.StepCompensated {
			continue
		}
		// 参与方明确拒绝且所有尝试结果确定：副作用未落地，不回滚。
		// 只要出现过结果未知的尝试，仍然保守补偿。
		if rec.Status == store.StepFailed && rec.Permanent && !rec.Ambiguous {
			continue
		}

		stepDef := &def.Steps[i]
		if rec.Status == store.StepCompensationFailed {
			// 人工重试再驱动：清掉上次失败留下的预留，允许重新调用参与方
			if err := e.idem.Release(ctx, idempotency.Key(inst.SagaID, rec.Name, idempotency.DirectionCompensate)); err != nil {
				return e.persistence(inst.SagaID, "idempotency release", err)
			}
		}
		if stepDef.Compensate == "" {
			inst, err = e.append(ctx, inst, store.Event{Type: store.EventStepCompensated, Step: stepDef.Name})
			if err != nil {
				return err
			}
			continue
		}

		inst, err = e.compensateStep(ctx, inst, stepDef, log)
		if err != nil {
			return err
		}
		if inst.Steps[i].Status != store.StepCompensated {
			return e.escalate(ctx, inst, stepDef.Name, inst.Steps[i].Reason)
		}
	}

	inst, err = e.append(ctx, inst, store.Event{Type: store.EventSagaCompensated})
	if err != nil {
		return err
	}

	log.Info("saga compensated")
	e.metrics.IncSagaFinished(inst.Definition, string(store.StatusCompensated))
	e.metrics.ObserveSagaDuration(time.Duration(inst.UpdateTimeMs-inst.CreateTimeMs) * time.Millisecond)
	return nil
}

// compensateStep 带重试补偿单个步骤（重试预算比正向小）
func (e *Executor) compensateStep(ctx context.Context, inst *store.Instance, stepDef *definition.Step, log *logger.Logger) (*store.Instance, error) {
	idx := inst.StepIndex(stepDef.Name)
	key := idempotency.Key(inst.SagaID, stepDef.Name, idempotency.DirectionCompensate)
	backoff := stepDef.CompensateRetry.InitialBackoff

	// 上次运行已补偿成功但事件未写入时，直接落盘结果
	rec, err := e.idem.Get(ctx, key)
	if err != nil {
		return inst, e.persistence(inst.SagaID, "idempotency get", err)
	}
	if rec != nil && rec.Done {
		return e.append(ctx, inst, store.Event{Type: store.EventStepCompensated, Step: stepDef.Name})
	}

	var lastReason string
	for inst.Steps[idx].CompensateAttempts < stepDef.CompensateRetry.MaxAttempts {
		var err error
		inst, err = e.append(ctx, inst, store.Event{Type: store.EventStepCompensating, Step: stepDef.Name})
		if err != nil {
			return inst, err
		}

		outcome, err := e.callOnce(ctx, inst, stepDef.Compensate, stepDef.Name, stepDef.Timeout, key)
		if err != nil {
			return inst, err
		}
		e.metrics.IncCompensation(inst.Definition, stepDef.Name, string(outcome.Status))

		switch outcome.Status {
		case gateway.OutcomeSuccess:
			inst, err = e.append(ctx, inst, store.Event{Type: store.EventStepCompensated, Step: stepDef.Name})
			if err != nil {
				return inst, err
			}
			log.WithField("step", stepDef.Name).Info("step compensated")
			return inst, nil

		case gateway.OutcomePermanent:
			return e.append(ctx, inst, store.Event{
				Type:   store.EventStepCompensationFailed,
				Step:   stepDef.Name,
				Reason: outcome.Reason,
			})

		default:
			lastReason = outcome.Reason
			log.WithField("step", stepDef.Name).WithField("reason", outcome.Reason).Warn("compensation attempt failed, backing off")
			if inst.Steps[idx].CompensateAttempts < stepDef.CompensateRetry.MaxAttempts {
				if err := e.sleep(ctx, jitter(backoff)); err != nil {
					return inst, err
				}
				backoff = nextBackoff(backoff, stepDef.CompensateRetry.MaxBackoff)
			}
		}
	}

	return e.append(ctx, inst, store.Event{
		Type:   store.EventStepCompensationFailed,
		Step:   stepDef.Name,
		Reason: fmt.Sprintf("compensation retries exhausted after %d attempts: %s", inst.Steps[idx].CompensateAttempts, lastReason),
	})
}

// escalate 升级到人工介入并告警
func (e *Executor) escalate(ctx context.Context, inst *store.Instance, step, reason string) error {
	inst, err := e.append(ctx, inst, store.Event{Type: store.EventManualRequired, Reason: reason})
	if err != nil {
		return err
	}

	e.metrics.IncManualIntervention(inst.Definition)
	if e.alerts != nil {
		if err := e.alerts.ManualIntervention(ctx, inst.SagaID, inst.Definition, step, reason); err != nil {
			e.log.WithSaga(inst.SagaID).WithError(err).Error("failed to publish alert")
		}
	}
	return nil
}

// append 写事件并推进本地快照。并发推进时重载快照并返回 errStale。
func (e *Executor) append(ctx context.Context, inst *store.Instance, ev store.Event) (*store.Instance, error) {
	ev.SagaID = inst.SagaID
	ev.Version = inst.Version + 1
	ev.CreateTimeMs = e.now()

	next, err := e.store.Append(ctx, inst.Version, ev)
	if err == nil {
		return next, nil
	}
	if errors.Is(err, store.ErrVersionConflict) {
		fresh, getErr := e.store.Get(ctx, inst.SagaID)
		if getErr != nil {
			return inst, e.persistence(inst.SagaID, "reload instance", getErr)
		}
		return fresh, errStale
	}
	return inst, e.persistence(inst.SagaID, "append event", err)
}

func (e *Executor) persistence(sagaID, op string, err error) error {
	return sagaerrors.Wrap(sagaerrors.CodePersistence, op, err).WithSaga(sagaID)
}

// failurePayload 标记失败性质，供补偿阶段判定是否需要回滚
func failurePayload(permanent, ambiguous bool) json.RawMessage {
	data, _ := json.Marshal(store.FailedPayload{Permanent: permanent, Ambiguous: ambiguous})
	return data
}

func succeededResults(inst *store.Instance) map[string]json.RawMessage {
	results := make(map[string]json.RawMessage)
	for _, s := range inst.Steps {
		if s.Status == store.StepSucceeded && len(s.Result) > 0 {
			results[s.Name] = s.Result
		}
	}
	return results
}
