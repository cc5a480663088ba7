package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Webhook POSTs the envelope to a fixed endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (h *Webhook) Publish(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(msg.Body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowhub-Event-Id", msg.ID)
	req.Header.Set("X-Flowhub-Event-Type", msg.Type)
	req.Header.Set("X-Flowhub-Aggregate-Id", msg.AggregateID)
	req.Header.Set("X-Flowhub-Sequence", strconv.FormatInt(msg.Sequence, 10))

	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	return ClassifyHTTPStatus(res.StatusCode, fmt.Errorf("webhook url=%s status=%d", h.url, res.StatusCode))
}

// ClassifyHTTPStatus maps a response status to nil, a transient error or a
// permanent one. 408 and 429 are retryable client errors.
func ClassifyHTTPStatus(code int, err error) error {
	switch {
	case code/100 == 2:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return err
	case code/100 == 4:
		return Permanent(err)
	default:
		return err
	}
}
