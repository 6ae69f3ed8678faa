package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"replaydeck/interaction"
	"replaydeck/transport"
)

// Client builds and sends requests. NewLive always goes to the network;
// a *Session records or replays through a cassette.
type Client interface {
	NewRequest(method, rawURL string) (*RequestBuilder, error)
	Get(rawURL string) (*RequestBuilder, error)
	Post(rawURL string) (*RequestBuilder, error)
	Put(rawURL string) (*RequestBuilder, error)
	Patch(rawURL string) (*RequestBuilder, error)
	Delete(rawURL string) (*RequestBuilder, error)
	Head(rawURL string) (*RequestBuilder, error)
	Send(ctx context.Context, req *interaction.Request) (*interaction.Response, error)
	SetGzip(enabled bool)
	SetRedirect(policy interaction.RedirectPolicy)
	SetTimeout(timeout time.Duration)
	Config() Config
	State() State
	Close() error
}

// base carries the configuration and lifecycle shared by every Client.
type base struct {
	mutex       sync.Mutex
	config      Config
	pending     int
	dispatching bool
	closed      bool
	owner       Client
}

func (b *base) NewRequest(method, rawURL string) (*RequestBuilder, error) {
	target, err := interaction.NewTarget(method, rawURL)
	if err != nil {
		return nil, &InvalidURLError{URL: rawURL, Err: err}
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil, ErrSessionClosed
	}
	b.pending++

	return &RequestBuilder{
		owner: b,
		request: &interaction.Request{
			Target:   target,
			Gzip:     b.config.Gzip,
			Redirect: b.config.Redirect,
			Timeout:  b.config.Timeout,
		},
	}, nil
}

func (b *base) Get(rawURL string) (*RequestBuilder, error) {
	return b.NewRequest(http.MethodGet, rawURL)
}

func (b *base) Post(rawURL string) (*RequestBuilder, error) {
	return b.NewRequest(http.MethodPost, rawURL)
}

func (b *base) Put(rawURL string) (*RequestBuilder, error) {
	return b.NewRequest(http.MethodPut, rawURL)
}

func (b *base) Patch(rawURL string) (*RequestBuilder, error) {
	return b.NewRequest(http.MethodPatch, rawURL)
}

func (b *base) Delete(rawURL string) (*RequestBuilder, error) {
	return b.NewRequest(http.MethodDelete, rawURL)
}

func (b *base) Head(rawURL string) (*RequestBuilder, error) {
	return b.NewRequest(http.MethodHead, rawURL)
}

func (b *base) SetGzip(enabled bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.config.Gzip = enabled
}

func (b *base) SetRedirect(policy interaction.RedirectPolicy) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.config.Redirect = policy
}

func (b *base) SetTimeout(timeout time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.config.Timeout = timeout
}

func (b *base) Config() Config {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.config
}

// State reports Building while a builder from NewRequest is still open;
// call Send or Discard on every builder to return to Idle.
func (b *base) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	switch {
	case b.closed:
		return Closed
	case b.dispatching:
		return Dispatching
	case b.pending > 0:
		return Building
	default:
		return Idle
	}
}

func (b *base) release() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.pending > 0 {
		b.pending--
	}
}

// begin moves the client into Dispatching, failing when it is closed.
func (b *base) begin() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return ErrSessionClosed
	}
	b.dispatching = true
	return nil
}

func (b *base) end() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.dispatching = false
}

// markClosed reports whether this call performed the transition.
func (b *base) markClosed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	b.pending = 0
	return true
}

func (b *base) isClosed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.closed
}

// LiveClient sends every request to the network.
type LiveClient struct {
	base
	transport transport.Transport
}

// NewLive returns a Client without a cassette. A nil transport uses
// transport.New with default options.
func NewLive(tr transport.Transport) *LiveClient {
	if tr == nil {
		tr = transport.New(transport.Options{})
	}
	c := &LiveClient{
		base:      base{config: DefaultConfig()},
		transport: tr,
	}
	c.owner = c
	return c
}

func (c *LiveClient) Send(ctx context.Context, req *interaction.Request) (*interaction.Response, error) {
	if req == nil || req.Target == nil {
		return nil, ErrMissingTarget
	}
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()
	return c.transport.Execute(ctx, req.Clone())
}

func (c *LiveClient) Close() error {
	c.markClosed()
	return nil
}
