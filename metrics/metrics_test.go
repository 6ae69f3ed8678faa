package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c, err := NewWithRegistry(prometheus.NewRegistry())
	require.NoError(t, err)

	c.ObserveDispatch("api", "replay", "replayed")
	c.ObserveDispatch("api", "replay", "replayed")
	c.ObserveDispatch("api", "record", "recorded")
	c.SetRemaining("api", 3)
	c.ObserveFlush("api", nil)
	c.ObserveFlush("api", errors.New("disk full"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.dispatches.WithLabelValues("api", "replay", "replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("api", "record", "recorded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.remaining.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushes.WithLabelValues("api", "error")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveDispatch("api", "replay", "replayed")
		c.ObserveLiveCall("api", 0.1)
		c.SetRemaining("api", 1)
		c.ObserveFlush("api", nil)
	})
}

func TestHandler(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	c.ObserveDispatch("api", "replay", "exhausted")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `replaydeck_dispatches_total{mode="replay",outcome="exhausted",session="api"} 1`)
}
