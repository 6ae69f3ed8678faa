package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"replaydeck/interaction"
)

// RequestBuilder assembles one request. It is seeded from the client's
// configuration at creation and may be sent once.
type RequestBuilder struct {
	owner   *base
	request *interaction.Request
	err     error
	sent    bool
	mutex   sync.Mutex
}

// Header appends a header value.
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.request.Headers.Add(name, value)
	return b
}

// Headers appends every field of h.
func (b *RequestBuilder) Headers(h interaction.Headers) *RequestBuilder {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.request.Headers.Extend(h)
	return b
}

// BasicAuth sets credentials. A nil password sends the username alone.
func (b *RequestBuilder) BasicAuth(username string, password *string) *RequestBuilder {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	auth := &interaction.BasicAuth{Username: username}
	if password != nil {
		p := *password
		auth.Password = &p
	}
	b.request.BasicAuth = auth
	return b
}

func (b *RequestBuilder) Body(body []byte) *RequestBuilder {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.request.Body = append([]byte(nil), body...)
	return b
}

// Form sets a url-encoded body.
func (b *RequestBuilder) Form(values url.Values) *RequestBuilder {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.request.Body = []byte(values.Encode())
	b.request.Headers.Set("Content-Type", "application/x-www-form-urlencoded")
	return b
}

// JSON sets a JSON body. An encoding error is reported by Send.
func (b *RequestBuilder) JSON(v any) *RequestBuilder {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("failed to encode json body: %w", err)
		return b
	}
	b.request.Body = data
	b.request.Headers.Set("Content-Type", "application/json")
	return b
}

// Request returns a copy of the request built so far.
func (b *RequestBuilder) Request() *interaction.Request {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.request.Clone()
}

// Send dispatches the request through the client that created the builder.
func (b *RequestBuilder) Send(ctx context.Context) (*interaction.Response, error) {
	b.mutex.Lock()
	if b.sent {
		b.mutex.Unlock()
		return nil, errBuilderUsed
	}
	b.sent = true
	req, err := b.request, b.err
	b.mutex.Unlock()

	b.owner.release()
	if err != nil {
		return nil, err
	}
	return b.owner.owner.Send(ctx, req)
}

// Discard abandons an unsent builder. A client reports Building while any
// builder it created is neither sent nor discarded.
func (b *RequestBuilder) Discard() {
	b.mutex.Lock()
	if b.sent {
		b.mutex.Unlock()
		return
	}
	b.sent = true
	b.mutex.Unlock()

	b.owner.release()
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// IsHopHeader reports whether name is a hop-by-hop header that must not be
// forwarded or recorded.
func IsHopHeader(name string) bool {
	return hopHeaders[http.CanonicalHeaderKey(name)]
}

// FromHTTP starts a builder for an incoming net/http request aimed at
// rawURL. Hop-by-hop headers are dropped and basic credentials in the
// Authorization header become the request's BasicAuth. The body is read
// completely.
func FromHTTP(c Client, r *http.Request, rawURL string) (*RequestBuilder, error) {
	b, err := c.NewRequest(r.Method, rawURL)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool)
	for _, name := range connectionTokens(r.Header) {
		skip[http.CanonicalHeaderKey(name)] = true
	}
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if IsHopHeader(name) || skip[http.CanonicalHeaderKey(name)] {
			continue
		}
		if http.CanonicalHeaderKey(name) == "Authorization" {
			if user, pass, ok := r.BasicAuth(); ok {
				b.BasicAuth(user, &pass)
				continue
			}
		}
		for _, value := range r.Header[name] {
			b.Header(name, value)
		}
	}
	if r.URL != nil && r.URL.Host != "" && r.Host != "" && r.Host != r.URL.Host {
		b.Header("Host", r.Host)
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			b.Discard()
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if len(body) > 0 {
			b.Body(body)
		}
	}
	return b, nil
}

// connectionTokens lists headers named by the Connection header.
func connectionTokens(h http.Header) []string {
	var names []string
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				names = append(names, token)
			}
		}
	}
	return names
}
