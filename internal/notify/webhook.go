package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultWebhookTimeout = 10 * time.Second

// StatusError 表示 webhook 返回了非 2xx 状态码。
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Webhook 以 JSON POST 推送事件。5xx 与网络错误会重试，4xx 立即失败。
type Webhook struct {
	url     string
	retries int
	client  *http.Client
	wait    func(ctx context.Context, d time.Duration) error
}

func NewWebhook(url string, retries int) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("webhook notifier requires a URL")
	}
	if retries < 0 {
		retries = 0
	}
	return &Webhook{
		url:     url,
		retries: retries,
		client:  &http.Client{Timeout: DefaultWebhookTimeout},
		wait:    sleepContext,
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	var lastErr error
	attempts := 1 + w.retries
	for i := range attempts {
		if i > 0 {
			if err := w.wait(ctx, backoff(i)); err != nil {
				return fmt.Errorf("webhook: context canceled during backoff: %w", err)
			}
		}
		lastErr = w.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return fmt.Errorf("webhook: non-retriable error: %w", lastErr)
		}
	}
	return fmt.Errorf("webhook: failed after %d attempts: %w", attempts, lastErr)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
