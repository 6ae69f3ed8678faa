package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"replaydeck/interaction"
	"replaydeck/verify"
)

func TestParseHeader(t *testing.T) {
	name, value, err := parseHeader("Accept:  application/json ")
	require.NoError(t, err)
	assert.Equal(t, "Accept", name)
	assert.Equal(t, "application/json", value)

	name, value, err = parseHeader("X-Empty:")
	require.NoError(t, err)
	assert.Equal(t, "X-Empty", name)
	assert.Empty(t, value)

	_, _, err = parseHeader("no-colon")
	assert.Error(t, err)
	_, _, err = parseHeader(": value")
	assert.Error(t, err)
}

func TestParseUser(t *testing.T) {
	user, pass := parseUser("alice")
	assert.Equal(t, "alice", user)
	assert.Nil(t, pass)

	user, pass = parseUser("alice:")
	assert.Equal(t, "alice", user)
	require.NotNil(t, pass)
	assert.Empty(t, *pass)

	user, pass = parseUser("alice:se:cret")
	assert.Equal(t, "alice", user)
	assert.Equal(t, "se:cret", *pass)
}

func TestWriteResponse(t *testing.T) {
	resp := &interaction.Response{
		Status:  404,
		Headers: interaction.NewHeaders("Set-Cookie", "a=1", "Set-Cookie", "b=2"),
		Body:    []byte("missing"),
	}

	var out bytes.Buffer
	require.NoError(t, writeResponse(&out, resp, false))
	assert.Equal(t, "missing", out.String())

	out.Reset()
	require.NoError(t, writeResponse(&out, resp, true))
	assert.Equal(t, "HTTP 404 Not Found\nSet-Cookie: a=1\nSet-Cookie: b=2\n\nmissing", out.String())
}

func sampleInteractions(t *testing.T) []interaction.Interaction {
	t.Helper()
	target, err := interaction.NewTarget("GET", "https://api.example.com/users")
	require.NoError(t, err)
	return []interaction.Interaction{{
		Request:  &interaction.Request{Target: target, Gzip: true, Redirect: interaction.DefaultRedirectPolicy()},
		Response: &interaction.Response{URL: "https://api.example.com/users", Status: 200, Body: []byte("[]")},
	}}
}

func TestRenderInteractions(t *testing.T) {
	items := sampleInteractions(t)

	var out bytes.Buffer
	require.NoError(t, renderInteractions(&out, items, "json"))
	decoded, err := interaction.UnmarshalList(out.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, 200, decoded[0].Response.Status)

	out.Reset()
	require.NoError(t, renderInteractions(&out, items, "yaml"))
	assert.False(t, strings.HasPrefix(out.String(), "["), "yaml output must use block style")
	var doc []map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc, 1)
	response := doc[0]["response"].(map[string]interface{})
	assert.Equal(t, 200, response["status"])
	assert.Less(t, strings.Index(out.String(), "request:"), strings.Index(out.String(), "response:"))

	assert.Error(t, renderInteractions(&out, items, "xml"))
}

func TestPrintReport(t *testing.T) {
	report := &verify.Report{
		Cassette:     "users",
		Total:        2,
		SuccessCount: 1,
		FailureCount: 1,
		Results: []*verify.Result{
			{Index: 0, Method: "GET", URL: "https://api.example.com/a", Success: true},
			{Index: 1, Method: "GET", URL: "https://api.example.com/b", ValidationError: "status mismatch: expected 200, got 500"},
		},
	}

	var out bytes.Buffer
	printReport(&out, report)
	assert.Contains(t, out.String(), "PASS #0")
	assert.Contains(t, out.String(), "FAIL #1")
	assert.Contains(t, out.String(), "status mismatch")
	assert.Contains(t, out.String(), "1/2 passed")
}

func TestShutdownContext(t *testing.T) {
	t.Run("bounded", func(t *testing.T) {
		ctx, cancel := shutdownContext(time.Minute)
		defer cancel()
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	})

	t.Run("unbounded", func(t *testing.T) {
		ctx, cancel := shutdownContext(0)
		_, ok := ctx.Deadline()
		assert.False(t, ok)
		assert.NoError(t, ctx.Err())
		cancel()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})
}
