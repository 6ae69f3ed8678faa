package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replaydeck/matcher"
	"replaydeck/session"
	"replaydeck/transport"
)

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, _, _ := r.BasicAuth()
		w.Header().Set("X-Path", r.URL.Path)
		w.Header().Set("X-Query", r.URL.RawQuery)
		w.Header().Set("X-User", user)
		w.Header().Set("X-Hop", r.Header.Get("Keep-Alive"))
		w.WriteHeader(http.StatusCreated)
		w.Write(append([]byte(r.Method+" "), body...))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEngine(t *testing.T, path, base string, opts session.Options) *ProxyEngine {
	t.Helper()
	s, err := session.Open(path, opts)
	require.NoError(t, err)
	engine, err := NewProxyEngine("users", base, s, nil)
	require.NoError(t, err)
	return engine
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRecordThenReplay(t *testing.T) {
	srv := upstream(t)
	path := filepath.Join(t.TempDir(), "users.json")

	recorder := newEngine(t, path, srv.URL+"/api", session.Options{Mode: session.Record})
	req := httptest.NewRequest("POST", "/users?page=2", strings.NewReader("alice"))
	req.SetBasicAuth("admin", "secret")
	req.Header.Set("Keep-Alive", "timeout=5")
	rec := httptest.NewRecorder()
	recorder.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "POST alice", rec.Body.String())
	assert.Equal(t, "/api/users", rec.Header().Get("X-Path"))
	assert.Equal(t, "page=2", rec.Header().Get("X-Query"))
	assert.Equal(t, "admin", rec.Header().Get("X-User"))
	assert.Empty(t, rec.Header().Get("X-Hop"))
	require.NoError(t, recorder.Stop())

	srv.Close()
	replayer := newEngine(t, path, srv.URL+"/api", session.Options{Mode: session.Replay, Policy: matcher.Panic})
	req = httptest.NewRequest("POST", "/users?page=2", strings.NewReader("alice"))
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	replayer.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "POST alice", rec.Body.String())
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
}

func TestReplayErrorsAreNotFound(t *testing.T) {
	srv := upstream(t)
	path := filepath.Join(t.TempDir(), "users.json")

	recorder := newEngine(t, path, srv.URL, session.Options{Mode: session.Record})
	require.Equal(t, http.StatusCreated, do(t, recorder, "GET", "/users", "").Code)
	require.NoError(t, recorder.Stop())

	replayer := newEngine(t, path, srv.URL, session.Options{Mode: session.Replay, Policy: matcher.Panic})
	rec := do(t, replayer, "GET", "/orders", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Contains(t, payload["error"], "mismatch")

	assert.Equal(t, http.StatusCreated, do(t, replayer, "GET", "/users", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, replayer, "GET", "/users", "").Code)
}

func TestTransportFailureIsBadGateway(t *testing.T) {
	srv := upstream(t)
	base := srv.URL
	srv.Close()

	engine := newEngine(t, filepath.Join(t.TempDir(), "down.json"), base, session.Options{Mode: session.Record})
	rec := do(t, engine, "GET", "/users", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 0, engine.Session().Cassette().Len())
}

func TestClosedSessionIsUnavailable(t *testing.T) {
	srv := upstream(t)
	engine := newEngine(t, filepath.Join(t.TempDir(), "closed.json"), srv.URL, session.Options{Mode: session.Record})
	require.NoError(t, engine.Stop())

	assert.Equal(t, http.StatusServiceUnavailable, do(t, engine, "GET", "/users", "").Code)
}

func TestHeadOmitsBody(t *testing.T) {
	srv := upstream(t)
	engine := newEngine(t, filepath.Join(t.TempDir(), "head.json"), srv.URL, session.Options{Mode: session.Record})
	rec := do(t, engine, "HEAD", "/users", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestTargetURL(t *testing.T) {
	engine, err := NewProxyEngine("p", "https://api.example.com/v1/", nil, nil)
	require.NoError(t, err)

	in, err := url.Parse("/users/a%2Fb?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/users/a%2Fb?x=1", engine.targetURL(in))

	in, err = url.Parse("")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/", engine.targetURL(in))
}

func TestNewProxyEngineRejectsRelativeUpstream(t *testing.T) {
	_, err := NewProxyEngine("p", "/relative", nil, nil)
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(matcher.ErrReplayExhausted))
	assert.Equal(t, http.StatusNotFound, statusFor(&matcher.MismatchError{}))
	assert.Equal(t, http.StatusBadGateway, statusFor(&transport.Error{Op: "send", Err: io.EOF}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(session.ErrSessionClosed))
	assert.Equal(t, http.StatusBadRequest, statusFor(&session.InvalidURLError{URL: "x", Err: io.EOF}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
