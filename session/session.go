// Package session records HTTP interactions to a cassette or replays them
// from one. A session owns one cassette and serializes every dispatch.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"replaydeck/cassette"
	"replaydeck/interaction"
	"replaydeck/matcher"
	"replaydeck/metrics"
	"replaydeck/transport"
)

// Session is a Client backed by a cassette.
type Session struct {
	base
	name      string
	mode      Mode
	cassette  *cassette.Cassette
	matcher   *matcher.Matcher
	transport transport.Transport
	logger    *zap.Logger
	metrics   *metrics.Collector
	listener  Listener

	// dispatch serializes Send and Close.
	dispatch sync.Mutex
}

// Open loads the cassette at path and starts a session on it.
func Open(path string, opts Options) (*Session, error) {
	c, err := cassette.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	if opts.Truncate && opts.Mode == Record && c.Len() > 0 {
		if err := c.Truncate(); err != nil {
			return nil, fmt.Errorf("failed to truncate cassette: %w", err)
		}
	}
	return New(c, opts), nil
}

// New starts a session on an already opened cassette. The session takes
// ownership of c and closes it on Close.
func New(c *cassette.Cassette, opts Options) *Session {
	config := DefaultConfig()
	if opts.Config != nil {
		config = *opts.Config
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(c.Path())
	}
	tr := opts.Transport
	if tr == nil {
		tr = transport.New(transport.Options{Logger: opts.Logger})
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", name), zap.String("mode", opts.Mode.String()))

	s := &Session{
		base:      base{config: config},
		name:      name,
		mode:      opts.Mode,
		cassette:  c,
		transport: tr,
		logger:    logger,
		metrics:   opts.Metrics,
		listener:  opts.Listener,
		matcher: matcher.New(c, matcher.Options{
			Policy:   opts.Policy,
			Strategy: opts.Strategy,
			Logger:   logger,
		}),
	}
	s.owner = s

	if s.mode == Replay {
		s.metrics.SetRemaining(name, c.Len())
	}
	logger.Info("[SESSION] opened",
		zap.String("cassette", c.Path()),
		zap.Int("interactions", c.Len()),
		zap.String("policy", opts.Policy.String()))
	return s
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Mode() Mode {
	return s.mode
}

// Cassette returns the backing cassette. Reads are safe at any time.
func (s *Session) Cassette() *cassette.Cassette {
	return s.cassette
}

// Stats reports replay consumption.
func (s *Session) Stats() matcher.Stats {
	return s.matcher.Stats()
}

// Send records or replays req. In record mode a transport failure is
// returned unchanged and nothing is appended.
func (s *Session) Send(ctx context.Context, req *interaction.Request) (*interaction.Response, error) {
	if req == nil || req.Target == nil {
		return nil, ErrMissingTarget
	}

	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	start := time.Now()
	snapshot := req.Clone()

	var res matcher.Result
	var err error
	if s.mode == Record {
		res, err = s.matcher.Record(ctx, snapshot, s.live)
	} else {
		res, err = s.matcher.Match(ctx, snapshot, s.live)
	}

	s.observe(snapshot, res, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

func (s *Session) live(ctx context.Context, req *interaction.Request) (*interaction.Response, error) {
	start := time.Now()
	resp, err := s.transport.Execute(ctx, req)
	s.metrics.ObserveLiveCall(s.name, time.Since(start).Seconds())
	return resp, err
}

func (s *Session) observe(req *interaction.Request, res matcher.Result, err error, elapsed time.Duration) {
	kind := kindOf(res, err)
	s.metrics.ObserveDispatch(s.name, s.mode.String(), string(kind))
	if s.mode == Replay {
		s.metrics.SetRemaining(s.name, s.matcher.Stats().Remaining)
	}

	if err != nil {
		s.logger.Warn("[SESSION] dispatch failed",
			zap.String("target", req.Target.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	if s.listener == nil {
		return
	}
	event := Event{
		Session:  s.name,
		Mode:     s.mode.String(),
		Kind:     kind,
		Index:    res.Index,
		Method:   req.Target.Method,
		URL:      req.Target.URL.String(),
		Duration: elapsed,
		Time:     time.Now(),
	}
	if res.Response != nil {
		event.Status = res.Response.Status
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.listener.OnEvent(event)
}

// Reset restarts replay from the first recorded interaction.
func (s *Session) Reset() {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	s.matcher.Reset()
	if s.mode == Replay {
		s.metrics.SetRemaining(s.name, s.cassette.Len())
	}
}

// Flush persists recorded interactions without closing the session.
func (s *Session) Flush() error {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	err := s.cassette.Flush()
	s.metrics.ObserveFlush(s.name, err)
	return err
}

// Close flushes the cassette and closes the session. A failed flush leaves
// the session open so Close can be retried.
func (s *Session) Close() error {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	if s.isClosed() {
		return nil
	}
	dirty := s.cassette.Dirty()
	if err := s.cassette.Close(); err != nil {
		s.metrics.ObserveFlush(s.name, err)
		s.logger.Error("[SESSION] failed to flush cassette", zap.Error(err))
		return err
	}
	if dirty {
		s.metrics.ObserveFlush(s.name, nil)
	}
	s.markClosed()

	stats := s.matcher.Stats()
	s.logger.Info("[SESSION] closed",
		zap.Int("interactions", stats.Total),
		zap.Int("consumed", stats.Consumed))
	return nil
}
