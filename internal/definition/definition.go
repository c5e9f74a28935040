// Package definition saga 定义注册表
package definition

import (
	"sync"
	"time"

	sagaerrors "github.com/fulfillment/saga-orchestrator/pkg/errors"
)

// 默认执行参数
const (
	DefaultTimeout        = 5 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second

	DefaultCompensateMaxAttempts = 2
	DefaultCompensateMaxBackoff  = 2 * time.Second
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Step 单个步骤定义
type Step struct {
	Name            string
	Invoke          string // 正向调用的参与方能力名
	Compensate      string // 补偿调用的参与方能力名，空表示无需补偿
	Timeout         time.Duration
	Retry           RetryPolicy
	CompensateRetry RetryPolicy
}

// Definition 一条 saga 定义（线性步骤序列）
type Definition struct {
	Name  string
	Steps []Step
}

// StepNames 返回步骤名列表
func (d *Definition) StepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}

// Step 按名查找步骤
func (d *Definition) Step(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Registry 定义注册表。启动期注册，Freeze 后只读。
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	frozen bool
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register 注册定义，重名或已冻结时返回错误
func (r *Registry) Register(def *Definition) error {
	if err := validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return sagaerrors.New(sagaerrors.CodeDefinitionInvalid, "registry is frozen")
	}
	if _, exists := r.defs[def.Name]; exists {
		return sagaerrors.Newf(sagaerrors.CodeDefinitionInvalid, "definition already registered: %s", def.Name)
	}

	applyDefaults(def)
	r.defs[def.Name] = def
	return nil
}

// Freeze 冻结注册表，之后 Register 一律失败
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get 获取定义
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, sagaerrors.Newf(sagaerrors.CodeDefinitionNotFound, "definition not found: %s", name)
	}
	return def, nil
}

// Names 返回已注册的定义名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

func validate(def *Definition) error {
	if def == nil || def.Name == "" {
		return sagaerrors.New(sagaerrors.CodeDefinitionInvalid, "definition name is required")
	}
	if len(def.Steps) == 0 {
		return sagaerrors.Newf(sagaerrors.CodeDefinitionInvalid, "definition %s has no steps", def.Name)
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" {
			return sagaerrors.Newf(sagaerrors.CodeDefinitionInvalid, "definition %s has a step without a name", def.Name)
		}
		if seen[s.Name] {
			return sagaerrors.Newf(sagaerrors.CodeDefinitionInvalid, "definition %s has duplicate step: %s", def.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Invoke == "" {
			return sagaerrors.Newf(sagaerrors.CodeDefinitionInvalid, "step %s has no invoke capability", s.Name)
		}
		if s.Timeout < 0 || s.Retry.MaxAttempts < 0 || s.CompensateRetry.MaxAttempts < 0 {
			return sagaerrors.Newf(sagaerrors.CodeDefinitionInvalid, "step %s has negative timeout or attempts", s.Name)
		}
	}
	return nil
}

func applyDefaults(def *Definition) {
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.Timeout == 0 {
			s.Timeout = DefaultTimeout
		}
		if s.Retry.MaxAttempts == 0 {
			s.Retry.MaxAttempts = DefaultMaxAttempts
		}
		if s.Retry.InitialBackoff == 0 {
			s.Retry.InitialBackoff = DefaultInitialBackoff
		}
		if s.Retry.MaxBackoff == 0 {
			s.Retry.MaxBackoff = DefaultMaxBackoff
		}
		if s.CompensateRetry.MaxAttempts == 0 {
			s.CompensateRetry.MaxAttempts = DefaultCompensateMaxAttempts
		}
		if s.CompensateRetry.InitialBackoff == 0 {
			s.CompensateRetry.InitialBackoff = DefaultInitialBackoff
		}
		if s.CompensateRetry.MaxBackoff == 0 {
			s.CompensateRetry.MaxBackoff = DefaultCompensateMaxBackoff
		}
	}
}
