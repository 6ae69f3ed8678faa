package interaction

import (
	"bytes"
	"net"
	"net/textproto"
	"net/url"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/idna"
)

// Identity fields reported by Diff.
const (
	FieldTarget    = "target"
	FieldMethod    = "method"
	FieldURL       = "url"
	FieldHeaders   = "headers"
	FieldBody      = "body"
	FieldBasicAuth = "basic_auth"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL renders u in the canonical form used for matching: lowercase
// scheme and ASCII host, no default port, "/" for an empty path, sorted
// query and no fragment.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)

	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && defaultPorts[scheme] != port {
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	out := scheme + "://" + host + path
	if query := normalizeQuery(u.RawQuery); query != "" {
		out += "?" + query
	}
	return out
}

func normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	for key := range values {
		sort.Strings(values[key])
	}
	return values.Encode()
}

// identity is the part of a request that decides equivalence.
type identity struct {
	Method    string
	URL       string
	Headers   map[string][]string
	Body      string
	BasicAuth *identityAuth
}

type identityAuth struct {
	Username    string
	HasPassword bool
	Password    string
}

func identityOf(r *Request) identity {
	id := identity{
		Headers: make(map[string][]string),
		Body:    string(r.Body),
	}
	if r.Target != nil {
		id.Method = strings.ToUpper(r.Target.Method)
		id.URL = NormalizeURL(r.Target.URL)
	}
	for _, f := range r.Headers.fields {
		name := textproto.CanonicalMIMEHeaderKey(f.Name)
		id.Headers[name] = append(id.Headers[name], f.Value)
	}
	for name := range id.Headers {
		sort.Strings(id.Headers[name])
	}
	if r.BasicAuth != nil {
		id.BasicAuth = &identityAuth{
			Username:    r.BasicAuth.Username,
			HasPassword: r.BasicAuth.Password != nil,
			Password:    r.BasicAuth.PasswordString(),
		}
	}
	return id
}

// Difference lists the identity fields on which two requests disagree.
type Difference struct {
	Fields []string
	// Detail is a human-readable diff of the normalized requests, recorded
	// first and live second.
	Detail string
}

func (d Difference) Empty() bool {
	return len(d.Fields) == 0
}

func (d Difference) String() string {
	if d.Empty() {
		return "no differences"
	}
	return "differs in " + strings.Join(d.Fields, ", ")
}

// Equivalent reports whether a and b are the same request for matching
// purposes.
func Equivalent(a, b *Request) bool {
	return Diff(a, b).Empty()
}

// Diff compares the identity fields of a recorded and a live request.
func Diff(recorded, live *Request) Difference {
	var d Difference
	if recorded == nil || live == nil {
		if recorded != live {
			d.Fields = []string{FieldTarget}
		}
		return d
	}
	if (recorded.Target == nil) != (live.Target == nil) {
		d.Fields = append(d.Fields, FieldTarget)
	}

	a, b := identityOf(recorded), identityOf(live)
	if recorded.Target != nil && live.Target != nil {
		if a.Method != b.Method {
			d.Fields = append(d.Fields, FieldMethod)
		}
		if a.URL != b.URL {
			d.Fields = append(d.Fields, FieldURL)
		}
	}
	if !headersEqual(a.Headers, b.Headers) {
		d.Fields = append(d.Fields, FieldHeaders)
	}
	if !bytes.Equal(recorded.Body, live.Body) {
		d.Fields = append(d.Fields, FieldBody)
	}
	if !cmp.Equal(a.BasicAuth, b.BasicAuth) {
		d.Fields = append(d.Fields, FieldBasicAuth)
	}
	if !d.Empty() {
		d.Detail = cmp.Diff(a, b)
	}
	return d
}

func headersEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		bv, ok := b[name]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
