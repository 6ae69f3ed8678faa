package matcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replaydeck/cassette"
	"replaydeck/interaction"
)

type fakeLive struct {
	calls  int
	status int
	err    error
}

func (f *fakeLive) call(_ context.Context, req *interaction.Request) (*interaction.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &interaction.Response{
		URL:    req.Target.URL.String(),
		Status: f.status,
		Body:   []byte("live"),
	}, nil
}

func request(t *testing.T, method, rawURL, body string) *interaction.Request {
	t.Helper()
	target, err := interaction.NewTarget(method, rawURL)
	require.NoError(t, err)
	req := &interaction.Request{
		Target:   target,
		Gzip:     true,
		Redirect: interaction.DefaultRedirectPolicy(),
	}
	if body != "" {
		req.Body = []byte(body)
	}
	return req
}

func seeded(t *testing.T, bodies ...string) *cassette.Cassette {
	t.Helper()
	c := cassette.New(filepath.Join(t.TempDir(), "tape.json"))
	for i, body := range bodies {
		_, err := c.Append(interaction.Interaction{
			Request:  request(t, "POST", "https://api.example.com/items", body),
			Response: &interaction.Response{Status: 200 + i, Body: []byte("stored " + body)},
		})
		require.NoError(t, err)
	}
	return c
}

func TestReplayInOrder(t *testing.T) {
	for _, policy := range []Policy{Ignore, Panic} {
		t.Run(policy.String(), func(t *testing.T) {
			live := &fakeLive{status: 299}
			m := New(seeded(t, "a", "b", "c"), Options{Policy: policy})

			for i, body := range []string{"a", "b", "c"} {
				res, err := m.Match(context.Background(), request(t, "POST", "https://api.example.com/items", body), live.call)
				require.NoError(t, err)
				assert.Equal(t, OutcomeReplayed, res.Outcome)
				assert.Equal(t, i, res.Index)
				assert.Equal(t, 200+i, res.Response.Status)
			}
			assert.Equal(t, 0, live.calls)
			assert.Equal(t, Stats{Total: 3, Consumed: 3, Remaining: 0}, m.Stats())
		})
	}
}

func TestMatchSkipsAhead(t *testing.T) {
	m := New(seeded(t, "a", "b"), Options{Policy: Panic})

	res, err := m.Match(context.Background(), request(t, "POST", "https://api.example.com/items", "b"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Index)

	res, err = m.Match(context.Background(), request(t, "POST", "https://api.example.com/items", "a"), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Index)
}

func TestOneByteMismatch(t *testing.T) {
	changed := func(t *testing.T) *interaction.Request {
		return request(t, "POST", "https://api.example.com/items", "b")
	}

	t.Run("panic", func(t *testing.T) {
		live := &fakeLive{status: 201}
		m := New(seeded(t, "a"), Options{Policy: Panic})

		_, err := m.Match(context.Background(), changed(t), live.call)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrReplayMismatch))

		var mismatch *MismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, 0, mismatch.Index)
		assert.Equal(t, []string{interaction.FieldBody}, mismatch.Difference.Fields)
		assert.Equal(t, 0, live.calls)
		assert.Equal(t, 1, m.Stats().Remaining)
	})

	t.Run("ignore", func(t *testing.T) {
		live := &fakeLive{status: 201}
		m := New(seeded(t, "a"), Options{Policy: Ignore})

		res, err := m.Match(context.Background(), changed(t), live.call)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, res.Outcome)
		assert.Equal(t, 200, res.Response.Status)
		assert.Equal(t, []byte("stored a"), res.Response.Body)
		assert.Equal(t, 0, live.calls)
		assert.Equal(t, 0, m.Stats().Remaining)
	})

	t.Run("record append", func(t *testing.T) {
		live := &fakeLive{status: 201}
		c := seeded(t, "a")
		m := New(c, Options{Policy: Record})

		res, err := m.Match(context.Background(), changed(t), live.call)
		require.NoError(t, err)
		assert.Equal(t, OutcomePromoted, res.Outcome)
		assert.Equal(t, 1, res.Index)
		assert.Equal(t, 201, res.Response.Status)
		assert.Equal(t, 1, live.calls)
		assert.Equal(t, 2, c.Len())
		assert.Equal(t, Stats{Total: 2, Consumed: 2, Remaining: 0}, m.Stats())
	})

	t.Run("record append supersedes stored entry", func(t *testing.T) {
		live := &fakeLive{status: 201}
		c := seeded(t, "a", "b")
		m := New(c, Options{Policy: Record})

		res, err := m.Match(context.Background(), request(t, "POST", "https://api.example.com/items", "a2"), live.call)
		require.NoError(t, err)
		assert.Equal(t, OutcomePromoted, res.Outcome)
		assert.Equal(t, 2, res.Index)
		assert.Equal(t, Stats{Total: 3, Consumed: 2, Remaining: 1}, m.Stats())

		res, err = m.Match(context.Background(), request(t, "POST", "https://api.example.com/items", "a"), live.call)
		require.NoError(t, err)
		assert.Equal(t, OutcomePromoted, res.Outcome)
		assert.NotEqual(t, 0, res.Index)
		assert.Equal(t, 2, live.calls)
	})

	t.Run("record replace", func(t *testing.T) {
		live := &fakeLive{status: 201}
		c := seeded(t, "a")
		m := New(c, Options{Policy: Record, Strategy: Replace})

		res, err := m.Match(context.Background(), changed(t), live.call)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Index)
		assert.Equal(t, 1, live.calls)
		require.Equal(t, 1, c.Len())

		stored, _ := c.At(0)
		assert.Equal(t, []byte("b"), stored.Request.Body)
		assert.Equal(t, 201, stored.Response.Status)
		assert.Equal(t, 0, m.Stats().Remaining)
	})
}

func TestFailedPromotionConsumesNothing(t *testing.T) {
	boom := errors.New("connection refused")
	live := &fakeLive{err: boom}
	c := seeded(t, "a")
	m := New(c, Options{Policy: Record})

	_, err := m.Match(context.Background(), request(t, "POST", "https://api.example.com/items", "b"), live.call)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, m.Stats().Remaining)
}

func TestExhausted(t *testing.T) {
	for _, policy := range []Policy{Ignore, Panic} {
		t.Run(policy.String(), func(t *testing.T) {
			m := New(seeded(t, "a"), Options{Policy: policy})
			req := request(t, "POST", "https://api.example.com/items", "a")

			_, err := m.Match(context.Background(), req, nil)
			require.NoError(t, err)

			res, err := m.Match(context.Background(), req, nil)
			assert.ErrorIs(t, err, ErrReplayExhausted)
			assert.Equal(t, OutcomeExhausted, res.Outcome)
		})
	}

	t.Run("record", func(t *testing.T) {
		live := &fakeLive{status: 200}
		c := seeded(t)
		m := New(c, Options{Policy: Record})

		res, err := m.Match(context.Background(), request(t, "POST", "https://api.example.com/login", "user=alice"), live.call)
		require.NoError(t, err)
		assert.Equal(t, OutcomePromoted, res.Outcome)
		assert.Equal(t, 1, live.calls)
		assert.Equal(t, 1, c.Len())
	})
}

func TestTimeoutOnlyDifferenceMatches(t *testing.T) {
	m := New(seeded(t, "a"), Options{Policy: Panic})

	req := request(t, "POST", "https://api.example.com/items", "a")
	req.Timeout = 5 * time.Second

	res, err := m.Match(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, res.Outcome)
}

func TestRecordAppendsEveryCall(t *testing.T) {
	live := &fakeLive{status: 200}
	c := seeded(t, "a")
	m := New(c, Options{})

	for i := 0; i < 2; i++ {
		res, err := m.Record(context.Background(), request(t, "POST", "https://api.example.com/items", "a"), live.call)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRecorded, res.Outcome)
		assert.Equal(t, i+1, res.Index)
	}
	assert.Equal(t, 2, live.calls)
	assert.Equal(t, 3, c.Len())
}

func TestReset(t *testing.T) {
	m := New(seeded(t, "a"), Options{Policy: Panic})
	req := request(t, "POST", "https://api.example.com/items", "a")

	_, err := m.Match(context.Background(), req, nil)
	require.NoError(t, err)
	m.Reset()

	_, err = m.Match(context.Background(), req, nil)
	require.NoError(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Record ")
	require.NoError(t, err)
	assert.Equal(t, Record, p)

	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)

	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Append, s)
}
