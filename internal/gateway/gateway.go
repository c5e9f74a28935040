// Package gateway 参与方调用网关
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	sagaerrors "github.com/fulfillment/saga-orchestrator/pkg/errors"
)

// OutcomeStatus 单次调用的归类结果
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "SUCCESS"
	OutcomeTransient OutcomeStatus = "TRANSIENT_FAILURE"
	OutcomePermanent OutcomeStatus = "PERMANENT_FAILURE"
	OutcomeAmbiguous OutcomeStatus = "AMBIGUOUS_TIMEOUT"
)

// Outcome 调用结果
type Outcome struct {
	Status OutcomeStatus
	Result json.RawMessage
	Reason string
}

// Request 一次参与方调用
type Request struct {
	SagaID         string                     `json:"sagaId"`
	Step           string                     `json:"step"`
	IdempotencyKey string                     `json:"idempotencyKey"`
	Input          json.RawMessage            `json:"input,omitempty"`
	StepResults    map[string]json.RawMessage `json:"stepResults,omitempty"`
}

// Participant 参与方的单个能力端点。实现必须把所有失败归入四类结果之一。
type Participant interface {
	Call(ctx context.Context, req *Request) *Outcome
}

// Registry 能力到参与方的路由表
type Registry struct {
	mu           sync.RWMutex
	participants map[string]Participant
}

// NewRegistry 创建路由表
func NewRegistry() *Registry {
	return &Registry{participants: make(map[string]Participant)}
}

// Register 注册能力
func (r *Registry) Register(capability string, p Participant) {
	r.mu.Lock()
	r.participants[capability] = p
	r.mu.Unlock()
}

// Resolve 按能力名查找参与方
func (r *Registry) Resolve(capability string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[capability]
	if !ok {
		return nil, sagaerrors.Newf(sagaerrors.CodeCapabilityNotFound, "no participant for capability: %s", capability)
	}
	return p, nil
}
