package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petal-labs/runrelay/core"
)

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	// BaseURL is the worker root, e.g. http://localhost:8000.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds submit and fetch-status requests (default 30s). Streams
	// are not subject to it.
	Timeout time.Duration

	// MaxAttempts bounds fetch-status and stream-dial attempts for transient
	// failures (default 3). Submissions are never retried.
	MaxAttempts int

	// BaseBackoff is the first retry delay (default 200ms).
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay (default 2s).
	MaxBackoff time.Duration

	// HTTPClient overrides the transport used for all requests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// HTTPClient implements Client against the worker's HTTP API.
type HTTPClient struct {
	base   *url.URL
	cfg    HTTPClientConfig
	client *http.Client
	stream *http.Client
	logger *slog.Logger
}

// NewHTTPClient validates the configuration and builds a client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("worker: base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("worker: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, stream := cfg.HTTPClient, cfg.HTTPClient
	if client == nil {
		transport := newTransport()
		client = &http.Client{Timeout: cfg.Timeout, Transport: transport}
		stream = &http.Client{Transport: transport}
	}

	return &HTTPClient{
		base:   base,
		cfg:    cfg,
		client: client,
		stream: stream,
		logger: logger,
	}, nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Submit posts a new run to the worker.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("worker: encode submit request: %w", err)
	}

	var out SubmitResponse
	if err := c.doJSON(ctx, "submit", http.MethodPost, c.endpoint("runs"), body, &out); err != nil {
		return SubmitResponse{}, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return SubmitResponse{}, &core.TransportError{Op: "submit", Err: errors.New("response carried no run id")}
	}
	return out, nil
}

// remoteRunBody is the JSON shape of GET /runs/{id}.
type remoteRunBody struct {
	ID        string `json:"id"`
	Ticker    string `json:"ticker"`
	TradeDate string `json:"trade_date"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Result    any    `json:"result"`
	Error     any    `json:"error"`
}

// FetchStatus returns the worker's view of a run, retrying transient failures.
func (c *HTTPClient) FetchStatus(ctx context.Context, runID string) (RemoteRun, error) {
	var body remoteRunBody
	err := c.retry(ctx, "fetch status", func() error {
		body = remoteRunBody{}
		return c.doJSON(ctx, "fetch status", http.MethodGet, c.endpoint("runs", runID), nil, &body)
	})
	if err != nil {
		return RemoteRun{}, err
	}

	run := RemoteRun{
		ID:        body.ID,
		Symbol:    body.Ticker,
		TradeDate: body.TradeDate,
		Status:    core.ParseRunStatus(body.Status),
		RawStatus: body.Status,
		CreatedAt: core.ParseTimestamp(body.CreatedAt, time.Time{}),
		UpdatedAt: core.ParseTimestamp(body.UpdatedAt, time.Time{}),
		Error:     errorText(body.Error),
	}
	if run.ID == "" {
		run.ID = runID
	}
	if m, ok := body.Result.(map[string]any); ok {
		run.Result = m
	}
	return run, nil
}

func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

// OpenStream dials GET /runs/{id}/stream in the background and dispatches
// frames to the handlers.
func (c *HTTPClient) OpenStream(ctx context.Context, runID string, handlers StreamHandlers) (CancelFunc, error) {
	if handlers.OnEvent == nil {
		return nil, errors.New("worker: OnEvent handler is required")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{cancelCtx: cancel, handlers: handlers}

	go c.readStream(streamCtx, runID, s)

	return s.cancel, nil
}

func (c *HTTPClient) readStream(ctx context.Context, runID string, s *stream) {
	var resp *http.Response
	err := c.retry(ctx, "stream", func() error {
		r, err := c.dialStream(ctx, runID)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		s.fail(err)
		return
	}
	if !s.attach(resp.Body) {
		_ = resp.Body.Close()
		return
	}
	defer resp.Body.Close()

	reader := newSSEReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.close()
			} else {
				s.fail(&core.TransportError{Op: "stream", Err: err})
			}
			return
		}
		ev, err := decodeFrame(frame)
		if err != nil {
			c.logger.Warn("worker: dropping malformed stream frame", "run_id", runID, "error", err)
			continue
		}
		s.event(ev)
	}
}

func (c *HTTPClient) dialStream(ctx context.Context, runID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("runs", runID, "stream"), nil)
	if err != nil {
		return nil, fmt.Errorf("worker: build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, &core.TransportError{Op: "stream", Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, statusError("stream", resp)
	}
	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("worker: build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return &core.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(op, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &core.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(bytes.TrimSpace(raw)) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &core.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound {
		return &core.TransportError{Op: op, StatusCode: resp.StatusCode, Err: core.ErrNotFound}
	}
	message := strings.TrimSpace(string(raw))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &core.TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(message)}
}

func (c *HTTPClient) endpoint(elem ...string) string {
	return c.base.JoinPath(elem...).String()
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// retry runs fn until it succeeds, fails permanently or attempts run out.
// Only temporary transport errors are retried.
func (c *HTTPClient) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BaseBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	attempts := uint64(c.cfg.MaxAttempts - 1) // #nosec G115 -- MaxAttempts is normalized to >= 1
	b := backoff.WithContext(backoff.WithMaxRetries(policy, attempts), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var te *core.TransportError
		if errors.As(err, &te) && te.Temporary() && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, wait time.Duration) {
		c.logger.Debug("worker: retrying request", "op", op, "wait", wait, "error", err)
	})
}

// stream tracks one open event stream and enforces the handler contract.
type stream struct {
	cancelCtx context.CancelFunc
	handlers  StreamHandlers

	mu        sync.Mutex
	body      io.Closer
	cancelled bool
	ended     bool

	dispatch sync.Mutex
}

func (s *stream) cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	body := s.body
	s.body = nil
	s.mu.Unlock()

	s.cancelCtx()
	if body != nil {
		_ = body.Close()
	}
}

// attach records the response body so cancel can close it. It reports false
// if the stream was cancelled while dialing.
func (s *stream) attach(body io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.body = body
	return true
}

func (s *stream) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cancelled && !s.ended
}

func (s *stream) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.ended {
		return false
	}
	s.ended = true
	return true
}

func (s *stream) event(ev StreamEvent) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	if s.live() {
		s.handlers.OnEvent(ev)
	}
}

func (s *stream) fail(err error) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	if s.finish() {
		s.cancelCtx()
		if s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
	}
}

func (s *stream) close() {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	if s.finish() {
		s.cancelCtx()
		if s.handlers.OnClose != nil {
			s.handlers.OnClose()
		}
	}
}

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)
