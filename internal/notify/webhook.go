package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
)

// WebhookSink доставляет события POST'ом на внешний URL. Временные сбои
// получателя сглаживаются ретраями, чтобы одиночный 502 не терял нарушение.
type WebhookSink struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewWebhookSink(url string, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger.With(zap.String("mod", "webhook_sink")),
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.OnRetry(func(nAttempt uint, err error) {
			s.logger.Warn("webhook delivery retry",
				zap.Uint("attempt", nAttempt+1),
				zap.Error(err))
		}),
	)

	return r.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}
