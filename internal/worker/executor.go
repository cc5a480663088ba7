package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jmehdipour/flowhub/internal/breaker"
	"github.com/jmehdipour/flowhub/internal/clock"
)

// RunRequest is what an action endpoint receives for one run.
type RunRequest struct {
	RunID       string          `json:"run_id"`
	WorkflowID  string          `json:"workflow_id"`
	WorkspaceID int64           `json:"workspace_id"`
	Input       json.RawMessage `json:"input"`
}

type Executor interface {
	Execute(ctx context.Context, actionURL string, req RunRequest) error
}

// HTTPExecutor POSTs runs to their action URL. Each host gets its own circuit
// breaker so one dead endpoint does not fail every workflow.
type HTTPExecutor struct {
	client    *http.Client
	clock     clock.Clock
	threshold int
	openFor   time.Duration

	mtx      sync.Mutex
	breakers map[string]*breaker.MicroBreaker
}

func NewHTTPExecutor(timeout time.Duration, failThreshold int, openFor time.Duration, clk clock.Clock) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &HTTPExecutor{
		client:    &http.Client{Timeout: timeout},
		clock:     clk,
		threshold: failThreshold,
		openFor:   openFor,
		breakers:  make(map[string]*breaker.MicroBreaker),
	}
}

func (e *HTTPExecutor) breakerFor(host string) *breaker.MicroBreaker {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	br, ok := e.breakers[host]
	if !ok {
		br = breaker.NewMicroBreaker(e.threshold, e.openFor, e.clock)
		e.breakers[host] = br
	}
	return br
}

func (e *HTTPExecutor) Execute(ctx context.Context, actionURL string, req RunRequest) error {
	u, err := url.Parse(actionURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid action url %q", actionURL)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	return e.breakerFor(u.Host).Do(func() error {
		hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, actionURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		hreq.Header.Set("Content-Type", "application/json")
		hreq.Header.Set("X-Flowhub-Run-Id", req.RunID)

		res, err := e.client.Do(hreq)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

		if res.StatusCode/100 != 2 {
			return fmt.Errorf("action url=%s status=%d", actionURL, res.StatusCode)
		}
		return nil
	}, nil)
}
