package interaction

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultRedirectLimit is the number of redirects followed by a fresh session.
const DefaultRedirectLimit = 10

// RedirectPolicy controls how many redirects the transport follows.
type RedirectPolicy struct {
	limit    int
	disabled bool
}

// Limited follows up to n redirects.
func Limited(n int) RedirectPolicy {
	if n < 0 {
		n = 0
	}
	return RedirectPolicy{limit: n}
}

// NoRedirects follows none.
func NoRedirects() RedirectPolicy {
	return RedirectPolicy{disabled: true}
}

func DefaultRedirectPolicy() RedirectPolicy {
	return Limited(DefaultRedirectLimit)
}

// Follows reports whether any redirect may be followed.
func (p RedirectPolicy) Follows() bool {
	return !p.disabled && p.limit > 0
}

// Limit returns the redirect budget; zero when redirects are disabled.
func (p RedirectPolicy) Limit() int {
	if p.disabled {
		return 0
	}
	return p.limit
}

// IsNone reports whether the policy is the explicit "None" policy.
func (p RedirectPolicy) IsNone() bool {
	return p.disabled
}

func (p RedirectPolicy) String() string {
	if p.disabled {
		return "None"
	}
	return fmt.Sprintf("Limit(%d)", p.limit)
}

// BasicAuth holds credentials sent with the Authorization header.
type BasicAuth struct {
	Username string
	Password *string
}

func (b *BasicAuth) clone() *BasicAuth {
	if b == nil {
		return nil
	}
	out := &BasicAuth{Username: b.Username}
	if b.Password != nil {
		p := *b.Password
		out.Password = &p
	}
	return out
}

// PasswordString returns the password or "" when none was given.
func (b *BasicAuth) PasswordString() string {
	if b == nil || b.Password == nil {
		return ""
	}
	return *b.Password
}

// Target is the method and absolute URL of a request.
type Target struct {
	Method string
	URL    *url.URL
}

// NewTarget parses rawURL and returns a target for method. Only absolute
// http(s) URLs are accepted.
func NewTarget(method, rawURL string) (*Target, error) {
	u, err := parseAbsoluteURL(rawURL)
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return nil, fmt.Errorf("empty method")
	}
	return &Target{Method: method, URL: u}, nil
}

func (t *Target) clone() *Target {
	if t == nil {
		return nil
	}
	u := *t.URL
	if t.URL.User != nil {
		user := *t.URL.User
		u.User = &user
	}
	return &Target{Method: t.Method, URL: &u}
}

func (t *Target) String() string {
	if t == nil {
		return "<no target>"
	}
	return t.Method + " " + t.URL.String()
}

func parseAbsoluteURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute", rawURL)
	}
	return u, nil
}

// Request is the normalized snapshot of everything that affects an HTTP
// call's identity and replay behavior. Gzip, Redirect and Timeout are
// transport knobs and never take part in matching.
type Request struct {
	Target    *Target
	Gzip      bool
	Redirect  RedirectPolicy
	Timeout   time.Duration
	BasicAuth *BasicAuth
	Headers   Headers
	Body      []byte
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := &Request{
		Target:    r.Target.clone(),
		Gzip:      r.Gzip,
		Redirect:  r.Redirect,
		Timeout:   r.Timeout,
		BasicAuth: r.BasicAuth.clone(),
		Headers:   r.Headers.Clone(),
	}
	if r.Body != nil {
		out.Body = append([]byte{}, r.Body...)
	}
	return out
}

// Response is the captured outcome of a live call. It is never modified
// after capture.
type Response struct {
	URL     string
	Status  int
	Headers Headers
	Body    []byte
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		URL:     r.URL,
		Status:  r.Status,
		Headers: r.Headers.Clone(),
		Body:    append([]byte{}, r.Body...),
	}
}

// Interaction is a recorded request/response pair.
type Interaction struct {
	Request  *Request
	Response *Response
}

func (i Interaction) Clone() Interaction {
	return Interaction{
		Request:  i.Request.Clone(),
		Response: i.Response.Clone(),
	}
}
