// Package transport performs live HTTP calls for sessions.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"replaydeck/interaction"
)

// Transport executes a request against the network.
type Transport interface {
	Execute(ctx context.Context, req *interaction.Request) (*interaction.Response, error)
}

// Func adapts an ordinary function to Transport.
type Func func(ctx context.Context, req *interaction.Request) (*interaction.Response, error)

func (f Func) Execute(ctx context.Context, req *interaction.Request) (*interaction.Response, error) {
	return f(ctx, req)
}

// Error is returned for every failed live call: connection failures,
// timeouts, redirect limits and body read errors.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call ran out of time.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

type Options struct {
	// Retries is the number of extra attempts after a network failure.
	// HTTP error statuses are responses, not failures, and are never retried.
	Retries int
	// NewBackOff builds the retry schedule; defaults to exponential.
	NewBackOff func() backoff.BackOff
	Logger     *zap.Logger
}

// HTTPTransport is the net/http implementation of Transport. Gzip selects
// between a transport that negotiates compression and one that does not.
type HTTPTransport struct {
	compressed *http.Transport
	plain      *http.Transport
	retries    int
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

func New(opts Options) *HTTPTransport {
	compressed := http.DefaultTransport.(*http.Transport).Clone()
	plain := http.DefaultTransport.(*http.Transport).Clone()
	plain.DisableCompression = true

	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPTransport{
		compressed: compressed,
		plain:      plain,
		retries:    opts.Retries,
		newBackOff: newBackOff,
		logger:     logger,
	}
}

// Execute sends req and captures the full response.
func (t *HTTPTransport) Execute(ctx context.Context, req *interaction.Request) (*interaction.Response, error) {
	if req == nil || req.Target == nil {
		return nil, &Error{Op: "build", Err: errors.New("request has no target")}
	}

	if t.retries <= 0 {
		return t.attempt(ctx, req)
	}

	var resp *interaction.Response
	policy := backoff.WithContext(backoff.WithMaxRetries(t.newBackOff(), uint64(t.retries)), ctx)
	err := backoff.RetryNotify(func() error {
		var err error
		resp, err = t.attempt(ctx, req)
		if err != nil && (ctx.Err() != nil || !retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		t.logger.Warn("[TRANSPORT] live call failed, retrying",
			zap.String("target", req.Target.String()),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func retryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Op == "send" || te.Op == "read"
	}
	return false
}

func (t *HTTPTransport) attempt(ctx context.Context, req *interaction.Request) (*interaction.Response, error) {
	rawURL := req.Target.URL.String()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Target.Method, rawURL, body)
	if err != nil {
		return nil, &Error{Op: "build", URL: rawURL, Err: err}
	}
	for _, f := range req.Headers.Fields() {
		if http.CanonicalHeaderKey(f.Name) == "Host" {
			httpReq.Host = f.Value
			continue
		}
		httpReq.Header.Add(f.Name, f.Value)
	}
	if req.BasicAuth != nil {
		httpReq.SetBasicAuth(req.BasicAuth.Username, req.BasicAuth.PasswordString())
	}

	client := t.client(req)
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, &Error{Op: "send", URL: rawURL, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Op: "read", URL: rawURL, Err: err}
	}

	finalURL := rawURL
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL.String()
	}

	t.logger.Debug("[TRANSPORT] live call completed",
		zap.String("target", req.Target.String()),
		zap.Int("status", httpResp.StatusCode),
		zap.Int("bytes", len(data)))

	return &interaction.Response{
		URL:     finalURL,
		Status:  httpResp.StatusCode,
		Headers: interaction.FromHTTP(httpResp.Header),
		Body:    data,
	}, nil
}

func (t *HTTPTransport) client(req *interaction.Request) *http.Client {
	rt := t.plain
	if req.Gzip {
		rt = t.compressed
	}

	policy := req.Redirect
	return &http.Client{
		Transport: rt,
		Timeout:   req.Timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if policy.IsNone() {
				return http.ErrUseLastResponse
			}
			if len(via) > policy.Limit() {
				return fmt.Errorf("stopped after %d redirects", policy.Limit())
			}
			return nil
		},
	}
}

// CloseIdleConnections releases pooled connections.
func (t *HTTPTransport) CloseIdleConnections() {
	t.compressed.CloseIdleConnections()
	t.plain.CloseIdleConnections()
}
