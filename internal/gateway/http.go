package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	sagaerrors "github.com/fulfillment/saga-orchestrator/pkg/errors"
)

const defaultCallTimeout = 10 * time.Second

// HTTPParticipant 通过 HTTP POST 调用的参与方能力
type HTTPParticipant struct {
	client *http.Client
	url    string
}

// NewHTTPParticipant 创建 HTTP 参与方
func NewHTTPParticipant(client *http.Client, url string) *HTTPParticipant {
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	return &HTTPParticipant{client: client, url: url}
}

// Call 调用参与方并归类结果。
// 2xx -> SUCCESS；408/429/5xx -> TRANSIENT_FAILURE；其余 4xx -> PERMANENT_FAILURE；
// 超时或取消 -> AMBIGUOUS_TIMEOUT（请求可能已生效）；连接失败 -> TRANSIENT_FAILURE。
func (p *HTTPParticipant) Call(ctx context.Context, req *Request) *Outcome {
	body, err := json.Marshal(req)
	if err != nil {
		return &Outcome{Status: OutcomePermanent, Reason: "marshal request: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return &Outcome{Status: OutcomePermanent, Reason: "build request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || os.IsTimeout(err) {
			return &Outcome{Status: OutcomeAmbiguous, Reason: "request timed out: " + err.Error()}
		}
		return &Outcome{Status: OutcomeTransient, Reason: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Outcome{Status: OutcomeTransient, Reason: "read response: " + err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Outcome{Status: OutcomeSuccess, Result: data}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &Outcome{Status: OutcomeTransient, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(data))}
	default:
		return &Outcome{Status: OutcomePermanent, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(data))}
	}
}

func truncate(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

type participantsFile struct {
	Participants map[string]struct {
		URL       string `json:"url"`
		TimeoutMs int64  `json:"timeoutMs"`
	} `json:"participants"`
}

// LoadFile 从 JSON 文件加载能力端点路由
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sagaerrors.Wrap(sagaerrors.CodeDefinitionInvalid, "read participants file", err)
	}

	var file participantsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, sagaerrors.Wrap(sagaerrors.CodeDefinitionInvalid, "parse participants file", err)
	}

	registry := NewRegistry()
	for capability, p := range file.Participants {
		if p.URL == "" {
			return nil, sagaerrors.Newf(sagaerrors.CodeDefinitionInvalid, "capability %s has no url", capability)
		}
		timeout := defaultCallTimeout
		if p.TimeoutMs > 0 {
			timeout = time.Duration(p.TimeoutMs) * time.Millisecond
		}
		registry.Register(capability, NewHTTPParticipant(&http.Client{Timeout: timeout}, p.URL))
	}
	return registry, nil
}
