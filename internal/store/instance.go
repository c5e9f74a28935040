// Package store saga 实例存储（事件日志 + 快照）
package store

import (
	"encoding/json"
	"fmt"
)

// Status saga 状态
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusStepRunning  Status = "STEP_RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensated  Status = "COMPENSATED"
	StatusManual       Status = "REQUIRES_MANUAL_INTERVENTION"
)

// Terminal 是否终态。REQUIRES_MANUAL_INTERVENTION 可被 RetrySaga 重新驱动，不算终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// Active 是否仍需 worker 驱动
func (s Status) Active() bool {
	return s == StatusStarted || s == StatusStepRunning || s == StatusCompensating
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepRunning            StepStatus = "RUNNING"
	StepSucceeded          StepStatus = "SUCCEEDED"
	StepFailed             StepStatus = "FAILED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// EventType 事件类型
type EventType string

const (
	EventSagaStarted            EventType = "SAGA_STARTED"
	EventStepStarted            EventType = "STEP_STARTED"
	EventStepSucceeded          EventType = "STEP_SUCCEEDED"
	EventStepFailed             EventType = "STEP_FAILED"
	EventSagaCompleted          EventType = "SAGA_COMPLETED"
	EventCompensationStarted    EventType = "COMPENSATION_STARTED"
	EventStepCompensating       EventType = "STEP_COMPENSATING"
	EventStepCompensated        EventType = "STEP_COMPENSATED"
	EventStepCompensationFailed EventType = "STEP_COMPENSATION_FAILED"
	EventSagaCompensated        EventType = "SAGA_COMPENSATED"
	EventManualRequired         EventType = "MANUAL_INTERVENTION_REQUIRED"
	EventCancelRequested        EventType = "CANCEL_REQUESTED"
	EventRetryRequested         EventType = "RETRY_REQUESTED"
	EventSweeperResumed         EventType = "SWEEPER_RESUMED"
)

// Event 追加写事件。(sagaId, version) 唯一，version 从 1 连续递增。
type Event struct {
	SagaID       string          `json:"sagaId"`
	Version      int64           `json:"version"`
	Type         EventType       `json:"type"`
	Step         string          `json:"step,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	CreateTimeMs int64           `json:"createTimeMs"`
}

// StartedPayload SAGA_STARTED 事件的载荷
type StartedPayload struct {
	CorrelationID string          `json:"correlationId"`
	Definition    string          `json:"definition"`
	Steps         []string        `json:"steps"`
	Input         json.RawMessage `json:"input,omitempty"`
}

// FailedPayload STEP_FAILED 事件的载荷，记录失败性质。
// Permanent 表示参与方明确拒绝；Ambiguous 表示曾有结果未知的尝试。
type FailedPayload struct {
	Permanent bool `json:"permanent"`
	Ambiguous bool `json:"ambiguous"`
}

// StepRecord 单个步骤的物化状态
type StepRecord struct {
	Name               string          `json:"name"`
	Status             StepStatus      `json:"status"`
	Attempts           int             `json:"attempts"`
	CompensateAttempts int             `json:"compensateAttempts"`
	Result             json.RawMessage `json:"result,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	Permanent          bool            `json:"permanent,omitempty"`
	Ambiguous          bool            `json:"ambiguous,omitempty"`
	UpdateTimeMs       int64           `json:"updateTimeMs"`
}

// Instance saga 实例快照，是事件日志的纯折叠结果
type Instance struct {
	SagaID          string          `json:"sagaId"`
	CorrelationID   string          `json:"correlationId"`
	Definition      string          `json:"definition"`
	Status          Status          `json:"status"`
	CurrentStep     int             `json:"currentStep"`
	Steps           []StepRecord    `json:"steps"`
	Input           json.RawMessage `json:"input,omitempty"`
	CancelRequested bool            `json:"cancelRequested"`
	ResumeAttempts  int             `json:"resumeAttempts"`
	FailureReason   string          `json:"failureReason,omitempty"`
	Version         int64           `json:"version"`
	CreateTimeMs    int64           `json:"createTimeMs"`
	UpdateTimeMs    int64           `json:"updateTimeMs"`
}

// Clone 深拷贝
func (in *Instance) Clone() *Instance {
	out := *in
	out.Steps = make([]StepRecord, len(in.Steps))
	copy(out.Steps, in.Steps)
	return &out
}

// StepIndex 按名查找步骤下标
func (in *Instance) StepIndex(name string) int {
	for i := range in.Steps {
		if in.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// NeedsCompensation 是否存在需要回滚的失败痕迹
func (in *Instance) NeedsCompensation() bool {
	for _, s := range in.Steps {
		switch s.Status {
		case StepFailed, StepCompensating, StepCompensationFailed:
			return true
		}
	}
	return false
}

// Fold 把事件应用到快照上，返回新快照。inst 为 nil 时只接受 SAGA_STARTED。
func Fold(inst *Instance, ev Event) (*Instance, error) {
	if inst == nil {
		if ev.Type != EventSagaStarted {
			return nil, fmt.Errorf("fold: first event must be %s, got %s", EventSagaStarted, ev.Type)
		}
		if ev.Version != 1 {
			return nil, fmt.Errorf("fold: first event version must be 1, got %d", ev.Version)
		}

		var payload StartedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, fmt.Errorf("fold: decode started payload: %w", err)
		}

		steps := make([]StepRecord, len(payload.Steps))
		for i, name := range payload.Steps {
			steps[i] = StepRecord{Name: name, Status: StepPending, UpdateTimeMs: ev.CreateTimeMs}
		}

		return &Instance{
			SagaID:        ev.SagaID,
			CorrelationID: payload.CorrelationID,
			Definition:    payload.Definition,
			Status:        StatusStarted,
			Steps:         steps,
			Input:         payload.Input,
			Version:       ev.Version,
			CreateTimeMs:  ev.CreateTimeMs,
			UpdateTimeMs:  ev.CreateTimeMs,
		}, nil
	}

	if ev.SagaID != inst.SagaID {
		return nil, fmt.Errorf("fold: event saga %s does not match instance %s", ev.SagaID, inst.SagaID)
	}
	if ev.Version != inst.Version+1 {
		return nil, fmt.Errorf("fold: expected version %d, got %d", inst.Version+1, ev.Version)
	}

	next := inst.Clone()
	next.Version = ev.Version
	next.UpdateTimeMs = ev.CreateTimeMs

	step := func() (*StepRecord, error) {
		i := next.StepIndex(ev.Step)
		if i < 0 {
			return nil, fmt.Errorf("fold: unknown step %q in event %s", ev.Step, ev.Type)
		}
		next.Steps[i].UpdateTimeMs = ev.CreateTimeMs
		return &next.Steps[i], nil
	}

	switch ev.Type {
	case EventSagaStarted:
		return nil, fmt.Errorf("fold: duplicate %s", EventSagaStarted)

	case EventStepStarted:
		s, err := step()
		if err != nil {
			return nil, err
		}
		s.Status = StepRunning
		s.Attempts++
		next.Status = StatusStepRunning
		next.CurrentStep = next.StepIndex(ev.Step)

	case EventStepSucceeded:
		s, err := step()
		if err != nil {
			return nil, err
		}
		s.Status = StepSucceeded
		s.Result = ev.Payload
		s.Reason = ""

	case EventStepFailed:
		s, err := step()
		if err != nil {
			return nil, err
		}
		s.Status = StepFailed
		s.Reason = ev.Reason
		if len(ev.Payload) > 0 {
			var fp FailedPayload
			if err := json.Unmarshal(ev.Payload, &fp); err != nil {
				return nil, fmt.Errorf("fold: decode failed payload: %w", err)
			}
			s.Permanent = fp.Permanent
			s.Ambiguous = fp.Ambiguous
		}
		next.FailureReason = ev.Reason

	case EventSagaCompleted:
		next.Status = StatusCompleted

	case EventCompensationStarted:
		next.Status = StatusCompensating
		if ev.Reason != "" {
			next.FailureReason = ev.Reason
		}

	case EventStepCompensating:
		s, err := step()
		if err != nil {
			return nil, err
		}
		s.Status = StepCompensating
		s.CompensateAttempts++

	case EventStepCompensated:
		s, err := step()
		if err != nil {
			return nil, err
		}
		s.Status = StepCompensated

	case EventStepCompensationFailed:
		s, err := step()
		if err != nil {
			return nil, err
		}
		s.Status = StepCompensationFailed
		s.Reason = ev.Reason

	case EventSagaCompensated:
		next.Status = StatusCompensated

	case EventManualRequired:
		next.Status = StatusManual
		if ev.Reason != "" {
			next.FailureReason = ev.Reason
		}

	case EventCancelRequested:
		next.CancelRequested = true

	case EventRetryRequested:
		next.ResumeAttempts = 0
		// 补偿失败的步骤重新获得补偿预算
		for i := range next.Steps {
			if next.Steps[i].Status == StepCompensationFailed {
				next.Steps[i].CompensateAttempts = 0
			}
		}
		if next.NeedsCompensation() {
			next.Status = StatusCompensating
		} else {
			next.Status = StatusStepRunning
		}

	case EventSweeperResumed:
		next.ResumeAttempts++

	default:
		return nil, fmt.Errorf("fold: unknown event type %s", ev.Type)
	}

	return next, nil
}

// Replay 从完整事件日志重建快照
func Replay(events []Event) (*Instance, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("replay: empty event log")
	}

	var inst *Instance
	var err error
	for _, ev := range events {
		inst, err = Fold(inst, ev)
		if err != nil {
			return nil, err
		}
	}
	return inst, nil
}
