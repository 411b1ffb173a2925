package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPExecutor отправляет действия внешнему раннеру (Terraform-агент,
// cloud-оператор) POST'ом на /actions/{type}. Ответ раннера становится
// result payload'ом задачи.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

func NewHTTPExecutor(baseURL string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (e *HTTPExecutor) Call(ctx context.Context, actionType string, payload []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/actions/%s", e.baseURL, actionType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("executor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: call %s: %w", actionType, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("executor: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("executor: %s returned status %d", actionType, resp.StatusCode)
	}
	return body, nil
}

// NoopExecutor — заглушка для окружений без внешнего раннера: задача
// «исполняется» мгновенно с пустым результатом.
type NoopExecutor struct{}

func (NoopExecutor) Call(ctx context.Context, actionType string, payload []byte) ([]byte, error) {
	return []byte(`{"status":"noop"}`), nil
}
