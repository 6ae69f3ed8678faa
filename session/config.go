package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"replaydeck/interaction"
	"replaydeck/matcher"
	"replaydeck/metrics"
	"replaydeck/transport"
)

var (
	// ErrSessionClosed is returned by every call on a closed client.
	ErrSessionClosed = errors.New("session is closed")
	// ErrMissingTarget is returned when a request without a target is sent.
	ErrMissingTarget = errors.New("request has no target")
	errBuilderUsed   = errors.New("request builder already sent or discarded")
)

// InvalidURLError is returned by NewRequest for a malformed or relative URL.
type InvalidURLError struct {
	URL string
	Err error
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %v", e.URL, e.Err)
}

func (e *InvalidURLError) Unwrap() error {
	return e.Err
}

// Mode is fixed for the lifetime of a session.
type Mode int

const (
	Record Mode = iota
	Replay
)

func (m Mode) String() string {
	if m == Replay {
		return "replay"
	}
	return "record"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "record":
		return Record, nil
	case "replay":
		return Replay, nil
	default:
		return 0, fmt.Errorf("unknown session mode %q (must be 'record' or 'replay')", s)
	}
}

// State is the lifecycle position of a client.
type State int

const (
	Idle State = iota
	Building
	Dispatching
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Dispatching:
		return "dispatching"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the transport knobs copied into every new request.
type Config struct {
	Gzip     bool
	Redirect interaction.RedirectPolicy
	Timeout  time.Duration
}

// DefaultConfig negotiates gzip, follows up to ten redirects and sets no
// timeout.
func DefaultConfig() Config {
	return Config{
		Gzip:     true,
		Redirect: interaction.DefaultRedirectPolicy(),
	}
}

type Options struct {
	// Name labels events and metrics; defaults to the cassette file name.
	Name     string
	Mode     Mode
	Policy   matcher.Policy
	Strategy matcher.Strategy
	// Truncate starts a Record session from an empty sequence.
	Truncate bool
	// Config defaults to DefaultConfig when nil.
	Config    *Config
	Transport transport.Transport
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Listener  Listener
}
