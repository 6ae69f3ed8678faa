package session

import (
	"errors"
	"time"

	"replaydeck/matcher"
	"replaydeck/transport"
)

// EventKind names the outcome of one dispatch.
type EventKind string

const (
	EventRecorded        EventKind = "recorded"
	EventReplayed        EventKind = "replayed"
	EventIgnoredMismatch EventKind = "ignored-mismatch"
	EventPromoted        EventKind = "promoted"
	EventMismatch        EventKind = "mismatch"
	EventExhausted       EventKind = "exhausted"
	EventTransportError  EventKind = "transport-error"
	EventError           EventKind = "error"
)

// Event describes one dispatch.
type Event struct {
	Session  string        `json:"session"`
	Mode     string        `json:"mode"`
	Kind     EventKind     `json:"kind"`
	Index    int           `json:"index"`
	Method   string        `json:"method"`
	URL      string        `json:"url"`
	Status   int           `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Time     time.Time     `json:"time"`
}

// Listener is notified after every dispatch, while the session is still
// locked. Implementations must not call back into the session.
type Listener interface {
	OnEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) {
	f(e)
}

func kindOf(res matcher.Result, err error) EventKind {
	if err != nil {
		var te *transport.Error
		switch {
		case errors.As(err, &te):
			return EventTransportError
		case errors.Is(err, matcher.ErrReplayMismatch):
			return EventMismatch
		case errors.Is(err, matcher.ErrReplayExhausted):
			return EventExhausted
		default:
			return EventError
		}
	}
	switch res.Outcome {
	case matcher.OutcomeRecorded:
		return EventRecorded
	case matcher.OutcomeIgnored:
		return EventIgnoredMismatch
	case matcher.OutcomePromoted:
		return EventPromoted
	default:
		return EventReplayed
	}
}
