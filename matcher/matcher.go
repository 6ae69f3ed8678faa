package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"replaydeck/cassette"
	"replaydeck/interaction"
)

var (
	// ErrReplayExhausted is returned when every recorded interaction has
	// been consumed and the policy does not allow recording.
	ErrReplayExhausted = errors.New("replay exhausted")
	// ErrReplayMismatch is matched by *MismatchError.
	ErrReplayMismatch = errors.New("replay mismatch")
)

// MismatchError is returned under the Panic policy when the live request
// differs from the interaction at the current replay position.
type MismatchError struct {
	Index      int
	Difference interaction.Difference
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("replay mismatch at interaction %d: %s", e.Index, e.Difference)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrReplayMismatch
}

// Policy decides what happens when a replayed request has changed.
type Policy int

const (
	// Ignore serves the stored response regardless of the change.
	Ignore Policy = iota
	// Record promotes the call to a live request and records the result.
	Record
	// Panic fails the call with a *MismatchError.
	Panic
)

func (p Policy) String() string {
	switch p {
	case Ignore:
		return "ignore"
	case Record:
		return "record"
	case Panic:
		return "panic"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "ignore", "record" or "panic" in any case.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ignore":
		return Ignore, nil
	case "record":
		return Record, nil
	case "panic":
		return Panic, nil
	default:
		return 0, fmt.Errorf("unknown changed-request policy %q (must be 'ignore', 'record' or 'panic')", s)
	}
}

// Strategy decides where a promoted interaction is stored.
type Strategy int

const (
	// Append adds the fresh interaction at the end of the cassette.
	Append Strategy = iota
	// Replace overwrites the mismatched interaction.
	Replace
)

func (s Strategy) String() string {
	if s == Replace {
		return "replace"
	}
	return "append"
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append":
		return Append, nil
	case "replace":
		return Replace, nil
	default:
		return 0, fmt.Errorf("unknown mismatch strategy %q (must be 'append' or 'replace')", s)
	}
}

// Outcome names how a request was answered.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"
	OutcomeReplayed  Outcome = "replayed"
	OutcomeIgnored   Outcome = "mismatch_ignored"
	OutcomePromoted  Outcome = "promoted"
	OutcomeMismatch  Outcome = "mismatch"
	OutcomeExhausted Outcome = "exhausted"
)

// Result is the answer for one request.
type Result struct {
	Response *interaction.Response
	Outcome  Outcome
	// Index is the cassette position that answered the request, or the
	// mismatched position on failure. It is -1 when no position applies.
	Index int
}

// LiveFunc performs a request against the real transport.
type LiveFunc func(ctx context.Context, req *interaction.Request) (*interaction.Response, error)

// Stats summarizes consumption of the cassette.
type Stats struct {
	Total     int `json:"total"`
	Consumed  int `json:"consumed"`
	Remaining int `json:"remaining"`
}

type Options struct {
	Policy   Policy
	Strategy Strategy
	Logger   *zap.Logger
}

// Matcher answers requests from a cassette. Every interaction is served at
// most once; consumed positions are tracked by index.
type Matcher struct {
	cassette *cassette.Cassette
	policy   Policy
	strategy Strategy
	logger   *zap.Logger
	consumed []bool
	mutex    sync.Mutex
}

func New(c *cassette.Cassette, opts Options) *Matcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		cassette: c,
		policy:   opts.Policy,
		strategy: opts.Strategy,
		logger:   logger,
	}
}

func (m *Matcher) Policy() Policy {
	return m.policy
}

// Match answers req in replay mode. live is only called when the policy
// promotes the request.
func (m *Matcher) Match(ctx context.Context, req *interaction.Request, live LiveFunc) (Result, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	recorded := m.cassette.ReadAll()
	m.syncLength(len(recorded))

	position := -1
	for i, item := range recorded {
		if m.consumed[i] {
			continue
		}
		if position < 0 {
			position = i
		}
		if interaction.Equivalent(item.Request, req) {
			m.consumed[i] = true
			m.logger.Debug("[REPLAY] matched recorded interaction",
				zap.Int("index", i),
				zap.String("target", req.Target.String()))
			return Result{Response: item.Response, Outcome: OutcomeReplayed, Index: i}, nil
		}
	}

	if position < 0 {
		return m.exhausted(ctx, req, live)
	}
	return m.mismatched(ctx, req, live, position, recorded[position])
}

func (m *Matcher) exhausted(ctx context.Context, req *interaction.Request, live LiveFunc) (Result, error) {
	if m.policy != Record {
		m.logger.Warn("[REPLAY] cassette exhausted",
			zap.String("target", req.Target.String()),
			zap.Int("recorded", len(m.consumed)))
		return Result{Outcome: OutcomeExhausted, Index: -1}, ErrReplayExhausted
	}

	resp, index, err := m.recordLive(ctx, req, live, -1)
	if err != nil {
		return Result{Index: -1}, err
	}
	m.logger.Info("[REPLAY] cassette exhausted, recorded live response",
		zap.Int("index", index),
		zap.String("target", req.Target.String()))
	return Result{Response: resp, Outcome: OutcomePromoted, Index: index}, nil
}

func (m *Matcher) mismatched(ctx context.Context, req *interaction.Request, live LiveFunc, position int, stored interaction.Interaction) (Result, error) {
	diff := interaction.Diff(stored.Request, req)

	switch m.policy {
	case Ignore:
		m.consumed[position] = true
		m.logger.Warn("[REPLAY] request changed, serving recorded response",
			zap.Int("index", position),
			zap.Strings("fields", diff.Fields))
		return Result{Response: stored.Response, Outcome: OutcomeIgnored, Index: position}, nil

	case Record:
		replaceAt := -1
		if m.strategy == Replace {
			replaceAt = position
		}
		resp, index, err := m.recordLive(ctx, req, live, replaceAt)
		if err != nil {
			return Result{Index: position}, err
		}
		// the stored entry is superseded by the appended one
		m.consumed[position] = true
		m.logger.Info("[REPLAY] request changed, recorded live response",
			zap.Int("mismatched_index", position),
			zap.Int("index", index),
			zap.String("strategy", m.strategy.String()),
			zap.Strings("fields", diff.Fields))
		return Result{Response: resp, Outcome: OutcomePromoted, Index: index}, nil

	default:
		m.logger.Error("[REPLAY] request changed",
			zap.Int("index", position),
			zap.Strings("fields", diff.Fields),
			zap.String("diff", diff.Detail))
		return Result{Outcome: OutcomeMismatch, Index: position}, &MismatchError{Index: position, Difference: diff}
	}
}

// Record performs req live and appends the result. It is the whole of
// record mode: no matching takes place.
func (m *Matcher) Record(ctx context.Context, req *interaction.Request, live LiveFunc) (Result, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.syncLength(m.cassette.Len())
	resp, index, err := m.recordLive(ctx, req, live, -1)
	if err != nil {
		return Result{Index: -1}, err
	}
	m.logger.Info("[RECORD] recorded interaction",
		zap.Int("index", index),
		zap.String("target", req.Target.String()),
		zap.Int("status", resp.Status))
	return Result{Response: resp, Outcome: OutcomeRecorded, Index: index}, nil
}

// recordLive calls live and stores the interaction, either appended or at
// replaceAt. The stored position is marked consumed only on success.
func (m *Matcher) recordLive(ctx context.Context, req *interaction.Request, live LiveFunc, replaceAt int) (*interaction.Response, int, error) {
	if live == nil {
		return nil, -1, errors.New("no live transport available")
	}
	resp, err := live(ctx, req)
	if err != nil {
		return nil, -1, err
	}

	item := interaction.Interaction{Request: req.Clone(), Response: resp.Clone()}
	index := replaceAt
	if replaceAt >= 0 {
		if err := m.cassette.Replace(replaceAt, item); err != nil {
			return nil, -1, fmt.Errorf("failed to replace interaction %d: %w", replaceAt, err)
		}
	} else {
		index, err = m.cassette.Append(item)
		if err != nil {
			return nil, -1, fmt.Errorf("failed to append interaction: %w", err)
		}
	}

	m.syncLength(index + 1)
	m.consumed[index] = true
	return resp, index, nil
}

func (m *Matcher) syncLength(n int) {
	for len(m.consumed) < n {
		m.consumed = append(m.consumed, false)
	}
}

// Reset forgets which interactions were consumed.
func (m *Matcher) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.consumed = make([]bool, m.cassette.Len())
}

func (m *Matcher) Stats() Stats {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	total := m.cassette.Len()
	m.syncLength(total)
	consumed := 0
	for _, c := range m.consumed[:total] {
		if c {
			consumed++
		}
	}
	return Stats{Total: total, Consumed: consumed, Remaining: total - consumed}
}
