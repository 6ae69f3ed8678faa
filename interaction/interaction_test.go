package interaction

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTarget(t *testing.T, method, rawURL string) *Target {
	t.Helper()
	target, err := NewTarget(method, rawURL)
	require.NoError(t, err)
	return target
}

func sampleInteraction(t *testing.T) Interaction {
	password := "hunter2"
	req := &Request{
		Target:    mustTarget(t, "POST", "https://api.example.com/login?b=2&a=1"),
		Gzip:      true,
		Redirect:  Limited(3),
		Timeout:   1500 * time.Millisecond,
		BasicAuth: &BasicAuth{Username: "alice", Password: &password},
		Headers:   NewHeaders("Accept", "application/json", "X-Trace", "one", "X-Trace", "two"),
		Body:      []byte(`{"user":"alice"}`),
	}
	resp := &Response{
		URL:     "https://api.example.com/home",
		Status:  200,
		Headers: NewHeaders("Content-Type", "application/json", "Set-Cookie", "a=1", "Set-Cookie", "b=2"),
		Body:    []byte(`{"id":1}`),
	}
	return Interaction{Request: req, Response: resp}
}

func TestRoundTrip(t *testing.T) {
	original := sampleInteraction(t)

	data, err := Marshal(original)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	assert.True(t, Equivalent(original.Request, decoded.Request))
	assert.Equal(t, original.Request.Gzip, decoded.Request.Gzip)
	assert.Equal(t, original.Request.Redirect, decoded.Request.Redirect)
	assert.Equal(t, original.Request.Timeout, decoded.Request.Timeout)
	assert.Equal(t, original.Response.Status, decoded.Response.Status)
	assert.Equal(t, original.Response.URL, decoded.Response.URL)
	assert.Equal(t, original.Response.Body, decoded.Response.Body)
	assert.Equal(t, []string{"a=1", "b=2"}, decoded.Response.Headers.Values("set-cookie"))

	again, err := Marshal(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestWireFormat(t *testing.T) {
	req := &Request{
		Target:   mustTarget(t, "GET", "https://api.example.com/users"),
		Redirect: NoRedirects(),
		Headers:  NewHeaders("Accept", "application/json"),
	}
	resp := &Response{URL: "https://api.example.com/users", Status: 200, Body: []byte("hi")}

	data, err := Marshal(Interaction{Request: req, Response: resp})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"request": {
			"target": {"url": "https://api.example.com/users", "method": "GET"},
			"gzip": false,
			"redirect": "None",
			"timeout": null,
			"basic_auth": null,
			"headers": {"Accept": "application/json"},
			"body": null
		},
		"response": {
			"url": "https://api.example.com/users",
			"status": 200,
			"headers": {},
			"body": [104, 105]
		}
	}`, string(data))
}

func TestUnmarshalLimitedRedirect(t *testing.T) {
	data := []byte(`{
		"request": {"target": null, "gzip": true, "redirect": {"Limit": 4}, "timeout": 2,
			"basic_auth": {"username": "bob", "password": null}, "headers": {"A": ["1", "2"]}, "body": [1, 2]},
		"response": {"url": "http://example.com/", "status": 204, "headers": {}, "body": []}
	}`)

	i, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Nil(t, i.Request.Target)
	assert.Equal(t, 4, i.Request.Redirect.Limit())
	assert.Equal(t, 2*time.Second, i.Request.Timeout)
	assert.Equal(t, "bob", i.Request.BasicAuth.Username)
	assert.Nil(t, i.Request.BasicAuth.Password)
	assert.Equal(t, []string{"1", "2"}, i.Request.Headers.Values("a"))
	assert.Equal(t, []byte{1, 2}, i.Request.Body)
	assert.Equal(t, 204, i.Response.Status)
}

func TestUnmarshalCorrupt(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"bad url":        `{"request": {"target": {"url": "::not a url", "method": "GET"}}, "response": {"status": 200}}`,
		"relative url":   `{"request": {"target": {"url": "/users", "method": "GET"}}, "response": {"status": 200}}`,
		"empty method":   `{"request": {"target": {"url": "http://a/", "method": ""}}, "response": {"status": 200}}`,
		"byte overflow":  `{"request": {"body": [256]}, "response": {"status": 200}}`,
		"status range":   `{"request": {}, "response": {"status": 70000}}`,
		"bad redirect":   `{"request": {"redirect": "Sometimes"}, "response": {"status": 200}}`,
		"header type":    `{"request": {"headers": {"A": 1}}, "response": {"status": 200}}`,
		"missing resp":   `{"request": {}}`,
		"negative limit": `{"request": {"redirect": {"Limit": -1}}, "response": {"status": 200}}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptCassette))
		})
	}
}

func TestUnmarshalListReportsIndex(t *testing.T) {
	good, err := Marshal(sampleInteraction(t))
	require.NoError(t, err)

	data := []byte("[" + string(good) + `, {"request": {"body": "nope"}, "response": {}}]`)
	_, err = UnmarshalList(data)
	require.Error(t, err)

	var corrupt *CorruptError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, 1, corrupt.Index)
}

func TestUnmarshalListEmpty(t *testing.T) {
	list, err := UnmarshalList([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = UnmarshalList([]byte("[]"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEquivalenceIgnoresTransportKnobs(t *testing.T) {
	a := sampleInteraction(t).Request
	b := a.Clone()
	b.Timeout = 30 * time.Second
	b.Gzip = !a.Gzip
	b.Redirect = NoRedirects()

	assert.True(t, Equivalent(a, b))
}

func TestEquivalenceNormalizesURLAndHeaders(t *testing.T) {
	a := &Request{
		Target:  mustTarget(t, "get", "HTTPS://API.Example.com:443/users?b=2&a=1&a=0#frag"),
		Headers: NewHeaders("accept", "text/plain", "X-Multi", "2", "X-Multi", "1"),
	}
	b := &Request{
		Target:  mustTarget(t, "GET", "https://api.example.com/users?a=0&a=1&b=2"),
		Headers: NewHeaders("X-MULTI", "1", "Accept", "text/plain", "x-multi", "2"),
		Body:    []byte{},
	}
	assert.True(t, Equivalent(a, b))
}

func TestDiffFields(t *testing.T) {
	a := sampleInteraction(t).Request
	b := a.Clone()
	b.Body = append(b.Body[:len(b.Body)-1], '!')
	b.Headers.Set("Accept", "text/html")

	d := Diff(a, b)
	assert.Equal(t, []string{FieldHeaders, FieldBody}, d.Fields)
	assert.NotEmpty(t, d.Detail)

	c := a.Clone()
	c.Target.Method = "PUT"
	c.Target.URL, _ = url.Parse("https://api.example.com/logout")
	c.BasicAuth = nil
	assert.Equal(t, []string{FieldMethod, FieldURL, FieldBasicAuth}, Diff(a, c).Fields)

	d = Diff(a, a.Clone())
	assert.True(t, d.Empty())
	assert.Empty(t, d.Detail)
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://Example.COM", "http://example.com/"},
		{"http://example.com:80/a", "http://example.com/a"},
		{"http://example.com:8080/a", "http://example.com:8080/a"},
		{"https://bücher.example/", "https://xn--bcher-kva.example/"},
		{"http://[::1]:9000/x?z=1&y=2", "http://[::1]:9000/x?y=2&z=1"},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, NormalizeURL(u), tc.in)
	}
}

func TestHeaders(t *testing.T) {
	var h Headers
	h.Add("X-A", "1")
	h.Add("x-b", "2")
	h.Add("X-a", "3")
	assert.Equal(t, []string{"X-A", "x-b"}, h.Names())
	assert.Equal(t, []string{"1", "3"}, h.Values("x-a"))

	h.Set("x-A", "9")
	assert.Equal(t, []string{"9"}, h.Values("X-A"))
	assert.Equal(t, "x-A", h.Fields()[0].Name)

	h.Del("X-B")
	assert.Equal(t, 1, h.Len())

	std := http.Header{"B": {"2"}, "A": {"1", "0"}}
	converted := FromHTTP(std)
	assert.Equal(t, []string{"A", "B"}, converted.Names())
	assert.Equal(t, std, converted.ToHTTP())

	clone := converted.Clone()
	clone.Add("C", "3")
	assert.False(t, converted.Has("C"))
}

func TestHeadersJSONKeepsOrder(t *testing.T) {
	h := NewHeaders("Zeta", "z", "Alpha", "a1", "Alpha", "a2")
	data, err := h.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"Zeta":"z","Alpha":["a1","a2"]}`, string(data))

	var back Headers
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, h.Fields(), back.Fields())
}

func TestCloneIsDeep(t *testing.T) {
	i := sampleInteraction(t)
	c := i.Clone()
	c.Request.Body[0] = 'X'
	c.Response.Body[0] = 'X'
	c.Request.Target.URL.Path = "/changed"
	*c.Request.BasicAuth.Password = "changed"

	assert.Equal(t, byte('{'), i.Request.Body[0])
	assert.Equal(t, byte('{'), i.Response.Body[0])
	assert.Equal(t, "/login", i.Request.Target.URL.Path)
	assert.Equal(t, "hunter2", *i.Request.BasicAuth.Password)
}
