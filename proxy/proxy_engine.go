// Package proxy exposes a session as a reverse proxy: incoming requests are
// recorded against, or replayed in place of, an upstream service.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"replaydeck/matcher"
	"replaydeck/session"
	"replaydeck/transport"
)

type ProxyEngine struct {
	name     string
	upstream *url.URL
	session  *session.Session
	logger   *zap.Logger
}

func NewProxyEngine(name, upstream string, s *session.Session, logger *zap.Logger) (*ProxyEngine, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url must be absolute: %q", upstream)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyEngine{
		name:     name,
		upstream: u,
		session:  s,
		logger:   logger.With(zap.String("proxy", name)),
	}, nil
}

func (p *ProxyEngine) Name() string {
	return p.name
}

func (p *ProxyEngine) Session() *session.Session {
	return p.session
}

func (p *ProxyEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.HandleRequest(w, r)
}

func (p *ProxyEngine) HandleRequest(w http.ResponseWriter, r *http.Request) {
	target := p.targetURL(r.URL)

	b, err := session.FromHTTP(p.session, r, target)
	if err != nil {
		p.writeError(w, r, target, err)
		return
	}
	resp, err := b.Send(r.Context())
	if err != nil {
		p.writeError(w, r, target, err)
		return
	}

	header := w.Header()
	for _, field := range resp.Headers.Fields() {
		if session.IsHopHeader(field.Name) || http.CanonicalHeaderKey(field.Name) == "Content-Length" {
			continue
		}
		header.Add(field.Name, field.Value)
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		if _, err := w.Write(resp.Body); err != nil {
			p.logger.Warn("[PROXY] failed to write response body", zap.Error(err))
		}
	}

	p.logger.Debug("[PROXY] served",
		zap.String("method", r.Method),
		zap.String("target", target),
		zap.Int("status", resp.Status))
}

// targetURL joins the inbound path and query onto the upstream base URL.
func (p *ProxyEngine) targetURL(in *url.URL) string {
	u := *p.upstream
	path := in.EscapedPath()
	base := strings.TrimSuffix(u.EscapedPath(), "/")
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	joined := base + path
	if unescaped, err := url.PathUnescape(joined); err == nil {
		u.Path = unescaped
		u.RawPath = joined
	} else {
		u.Path = joined
		u.RawPath = ""
	}
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return u.String()
}

func statusFor(err error) int {
	var transportErr *transport.Error
	var urlErr *session.InvalidURLError
	switch {
	case errors.Is(err, matcher.ErrReplayMismatch), errors.Is(err, matcher.ErrReplayExhausted):
		return http.StatusNotFound
	case errors.As(err, &transportErr):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &urlErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (p *ProxyEngine) writeError(w http.ResponseWriter, r *http.Request, target string, err error) {
	status := statusFor(err)
	p.logger.Warn("[PROXY] request failed",
		zap.String("method", r.Method),
		zap.String("target", target),
		zap.Int("status", status),
		zap.Error(err))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Stop closes the session, flushing anything recorded.
func (p *ProxyEngine) Stop() error {
	return p.session.Close()
}
