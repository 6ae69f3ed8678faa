package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replaydeck/interaction"
)

func newRequest(t *testing.T, method, rawURL string) *interaction.Request {
	t.Helper()
	target, err := interaction.NewTarget(method, rawURL)
	require.NoError(t, err)
	return &interaction.Request{Target: target, Redirect: interaction.DefaultRedirectPolicy()}
}

func TestExecuteCapturesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, pass, _ := r.BasicAuth()
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Auth", user+":"+pass)
		w.Header().Set("X-Trace", r.Header.Get("X-Trace"))
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer server.Close()

	password := "secret"
	req := newRequest(t, "post", server.URL+"/login")
	req.Headers = interaction.NewHeaders("X-Trace", "abc")
	req.BasicAuth = &interaction.BasicAuth{Username: "alice", Password: &password}
	req.Body = []byte("user=alice")

	resp, err := New(Options{}).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, server.URL+"/login", resp.URL)
	assert.Equal(t, []byte("user=alice"), resp.Body)
	assert.Equal(t, "POST", resp.Headers.Get("X-Method"))
	assert.Equal(t, "alice:secret", resp.Headers.Get("X-Auth"))
	assert.Equal(t, "abc", resp.Headers.Get("X-Trace"))
	assert.Equal(t, []string{"a=1", "b=2"}, resp.Headers.Values("Set-Cookie"))
}

func TestExecuteGzipNegotiation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("Accept-Encoding")))
	}))
	defer server.Close()

	tr := New(Options{})

	req := newRequest(t, "GET", server.URL)
	req.Gzip = true
	resp, err := tr.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gzip", string(resp.Body))

	req.Gzip = false
	resp, err = tr.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Body)
}

func TestExecuteRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/one", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/two", http.StatusFound)
	})
	mux.HandleFunc("/two", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/done", http.StatusFound)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("done"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := New(Options{})

	req := newRequest(t, "GET", server.URL+"/one")
	resp, err := tr.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/done", resp.URL)
	assert.Equal(t, []byte("done"), resp.Body)

	req.Redirect = interaction.NoRedirects()
	resp, err = tr.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, server.URL+"/one", resp.URL)

	req.Redirect = interaction.Limited(1)
	_, err = tr.Execute(context.Background(), req)
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "send", te.Op)
}

func TestExecuteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	req := newRequest(t, "GET", server.URL)
	req.Timeout = 50 * time.Millisecond

	_, err := New(Options{}).Execute(context.Background(), req)
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Timeout())
}

func TestExecuteRetriesNetworkFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	tr := New(Options{
		Retries:    5,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	resp, err := tr.Execute(context.Background(), newRequest(t, "POST", server.URL))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Body)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestExecuteDoesNotRetryStatuses(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tr := New(Options{
		Retries:    3,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	resp, err := tr.Execute(context.Background(), newRequest(t, "GET", server.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecuteWithoutTarget(t *testing.T) {
	_, err := New(Options{}).Execute(context.Background(), &interaction.Request{})
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "build", te.Op)
}
