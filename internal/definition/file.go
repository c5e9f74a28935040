package definition

import (
	"encoding/json"
	"os"
	"time"

	sagaerrors "github.com/fulfillment/saga-orchestrator/pkg/errors"
)

type fileRetry struct {
	MaxAttempts      int   `json:"maxAttempts"`
	InitialBackoffMs int64 `json:"initialBackoffMs"`
	MaxBackoffMs     int64 `json:"maxBackoffMs"`
}

type fileStep struct {
	Name            string    `json:"name"`
	Invoke          string    `json:"invoke"`
	Compensate      string    `json:"compensate"`
	TimeoutMs       int64     `json:"timeoutMs"`
	Retry           fileRetry `json:"retry"`
	CompensateRetry fileRetry `json:"compensateRetry"`
}

type fileDefinition struct {
	Name  string     `json:"name"`
	Steps []fileStep `json:"steps"`
}

type definitionsFile struct {
	Definitions []fileDefinition `json:"definitions"`
}

// LoadFile 从 JSON 文件加载定义并注册
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sagaerrors.Wrap(sagaerrors.CodeDefinitionInvalid, "read definitions file", err)
	}

	var file definitionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, sagaerrors.Wrap(sagaerrors.CodeDefinitionInvalid, "parse definitions file", err)
	}

	registry := NewRegistry()
	for _, fd := range file.Definitions {
		def := &Definition{Name: fd.Name, Steps: make([]Step, len(fd.Steps))}
		for i, fs := range fd.Steps {
			def.Steps[i] = Step{
				Name:            fs.Name,
				Invoke:          fs.Invoke,
				Compensate:      fs.Compensate,
				Timeout:         time.Duration(fs.TimeoutMs) * time.Millisecond,
				Retry:           toRetry(fs.Retry),
				CompensateRetry: toRetry(fs.CompensateRetry),
			}
		}
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}

	registry.Freeze()
	return registry, nil
}

func toRetry(r fileRetry) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: time.Duration(r.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(r.MaxBackoffMs) * time.Millisecond,
	}
}
