// Package service saga 编排服务
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fulfillment/saga-orchestrator/internal/definition"
	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/store"
	sagaerrors "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
)

// Dispatcher 把待执行的实例派发给 worker
type Dispatcher interface {
	Dispatch(ctx context.Context, sagaID, reason string) (string, error)
}

// StartRequest 启动请求
type StartRequest struct {
	Definition    string          `json:"definition"`
	CorrelationID string          `json:"correlationId"`
	Input         json.RawMessage `json:"input,omitempty"`
}

// StatusResponse 状态查询响应
type StatusResponse struct {
	Instance *store.Instance `json:"instance"`
	Events   []store.Event   `json:"events,omitempty"`
}

// SagaService 编排 API：启动、查询、重试、取消
type SagaService struct {
	store      store.Store
	registry   *definition.Registry
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        *logger.Logger

	newID func() string
	now   func() int64
}

// NewSagaService 创建服务
func NewSagaService(st store.Store, registry *definition.Registry, dispatcher Dispatcher, m *metrics.Metrics, log *logger.Logger) *SagaService {
	if log == nil {
		log = logger.New("saga-service", nil)
	}
	return &SagaService{
		store:      st,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    m,
		log:        log,
		newID:      uuid.NewString,
		now:        func() int64 { return time.Now().UnixMilli() },
	}
}

// Start 启动一个新 saga。相同 correlationId 重复提交时返回已有实例，不重复启动。
func (s *SagaService) Start(ctx context.Context, req *StartRequest) (*store.Instance, error) {
	if req == nil || req.Definition == "" {
		return nil, sagaerrors.New(sagaerrors.CodeValidation, "definition is required")
	}
	if req.CorrelationID == "" {
		return nil, sagaerrors.New(sagaerrors.CodeValidation, "correlationId is required")
	}
	if len(req.CorrelationID) > 128 {
		return nil, sagaerrors.New(sagaerrors.CodeValidation, "correlationId must be at most 128 characters")
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, sagaerrors.New(sagaerrors.CodeValidation, "input must be valid JSON")
	}

	def, err := s.registry.Get(req.Definition)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.GetByCorrelationID(ctx, req.CorrelationID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrSagaNotFound) {
		return nil, sagaerrors.Wrap(sagaerrors.CodePersistence, "lookup correlation", err)
	}

	payload, err := json.Marshal(store.StartedPayload{
		CorrelationID: req.CorrelationID,
		Definition:    def.Name,
		Steps:         def.StepNames(),
		Input:         req.Input,
	})
	if err != nil {
		return nil, sagaerrors.Wrap(sagaerrors.CodeInternal, "marshal started payload", err)
	}

	sagaID := s.newID()
	inst, err := s.store.Create(ctx, store.Event{
		SagaID:       sagaID,
		Version:      1,
		Type:         store.EventSagaStarted,
		Payload:      payload,
		CreateTimeMs: s.now(),
	})
	if err != nil {
		// 并发提交同一 correlationId，返回先到的实例
		if errors.Is(err, store.ErrDuplicateCorrelation) {
			return s.store.GetByCorrelationID(ctx, req.CorrelationID)
		}
		return nil, sagaerrors.Wrap(sagaerrors.CodePersistence, "create saga", err).WithSaga(sagaID)
	}

	s.metrics.IncSagaStarted(def.Name)
	s.log.WithSaga(sagaID).WithField("definition", def.Name).Info("saga started")

	if _, err := s.dispatcher.Dispatch(ctx, sagaID, "start"); err != nil {
		// 派发失败不回滚，扫描器会兜底恢复
		s.log.WithSaga(sagaID).WithError(err).Error("dispatch failed, sweeper will pick up")
	}
	return inst, nil
}

// Status 查询实例状态，withEvents 为 true 时附带完整事件日志
func (s *SagaService) Status(ctx context.Context, sagaID string, withEvents bool) (*StatusResponse, error) {
	inst, err := s.store.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, store.ErrSagaNotFound) {
			return nil, sagaerrors.Newf(sagaerrors.CodeSagaNotFound, "saga not found: %s", sagaID)
		}
		return nil, sagaerrors.Wrap(sagaerrors.CodePersistence, "load instance", err).WithSaga(sagaID)
	}

	resp := &StatusResponse{Instance: inst}
	if withEvents {
		events, err := s.store.Events(ctx, sagaID)
		if err != nil {
			return nil, sagaerrors.Wrap(sagaerrors.CodePersistence, "load events", err).WithSaga(sagaID)
		}
		resp.Events = events
	}
	return resp, nil
}

// Retry 重新驱动处于人工介入状态的实例
func (s *SagaService) Retry(ctx context.Context, sagaID string) (*store.Instance, error) {
	inst, err := s.store.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, store.ErrSagaNotFound) {
			return nil, sagaerrors.Newf(sagaerrors.CodeSagaNotFound, "saga not found: %s", sagaID)
		}
		return nil, sagaerrors.Wrap(sagaerrors.CodePersistence, "load instance", err).WithSaga(sagaID)
	}
	if inst.Status != store.StatusManual {
		return nil, sagaerrors.Newf(sagaerrors.CodeInvalidState,
			"retry requires %s, current status is %s", store.StatusManual, inst.Status).WithSaga(sagaID)
	}

	next, err := s.store.Append(ctx, inst.Version, store.Event{
		SagaID:       sagaID,
		Version:      inst.Version + 1,
		Type:         store.EventRetryRequested,
		CreateTimeMs: s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, sagaerrors.New(sagaerrors.CodeVersionConflict, "saga advanced concurrently, retry again").WithSaga(sagaID)
		}
		return nil, sagaerrors.Wrap(sagaerrors.CodePersistence, "append retry event", err).WithSaga(sagaID)
	}

	s.log.WithSaga(sagaID).Info("manual retry requested")
	if _, err := s.dispatcher.Dispatch(ctx, sagaID, "manual retry"); err != nil {
		s.log.WithSaga(sagaID).WithError(err).Error("dispatch failed, sweeper will pick up")
	}
	return next, nil
}

// Cancel 请求取消。终态实例不可取消；取消在步骤边界生效，已完成的步骤会被补偿。
func (s *SagaService) Cancel(ctx context.Context, sagaID string) (*store.Instance, error) {
	inst, err := s.store.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, store.ErrSagaNotFound) {
			return nil, sagaerrors.Newf(sagaerrors.CodeSagaNotFound, "saga not found: %s", sagaID)
		}
		return nil, sagaerrors.Wrap(sagaerrors.CodePersistence, "load instance", err).WithSaga(sagaID)
	}
	if inst.Status.Terminal() {
		return nil, sagaerrors.Newf(sagaerrors.CodeInvalidState,
			"cannot cancel saga in terminal status %s", inst.Status).WithSaga(sagaID)
	}
	if inst.CancelRequested {
		return inst, nil
	}

	next, err := s.store.Append(ctx, inst.Version, store.Event{
		SagaID:       sagaID,
		Version:      inst.Version + 1,
		Type:         store.EventCancelRequested,
		CreateTimeMs: s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, sagaerrors.New(sagaerrors.CodeVersionConflict, "saga advanced concurrently, retry again").WithSaga(sagaID)
		}
		return nil, sagaerrors.Wrap(sagaerrors.CodePersistence, "append cancel event", err).WithSaga(sagaID)
	}

	s.log.WithSaga(sagaID).Info("cancel requested")
	if _, err := s.dispatcher.Dispatch(ctx, sagaID, "cancel"); err != nil {
		s.log.WithSaga(sagaID).WithError(err).Error("dispatch failed, sweeper will pick up")
	}
	return next, nil
}

// List 按状态列出实例
func (s *SagaService) List(ctx context.Context, status store.Status, limit int) ([]*store.Instance, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	instances, err := s.store.List(ctx, status, limit)
	if err != nil {
		return nil, sagaerrors.Wrap(sagaerrors.CodePersistence, "list instances", err)
	}
	return instances, nil
}

// Definitions 返回已注册的定义名
func (s *SagaService) Definitions() []string {
	return s.registry.Names()
}
