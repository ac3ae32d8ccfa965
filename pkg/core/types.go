package core

import (
	"fmt"
	"strings"
	"time"
)

// EventKey identifies a state transition of one entity, formatted as
// "<entity_id>:<transition>" (e.g. "light.kitchen:on").
type EventKey string

// Event is a normalized home-automation state change. Events are produced
// once by the ingress and never mutated afterwards.
type Event struct {
	TimestampMS int64             `json:"ts_ms" msgpack:"ts_ms"`
	EntityID    string            `json:"entity_id" msgpack:"entity_id"`
	Domain      string            `json:"domain" msgpack:"domain"`
	Transition  string            `json:"transition" msgpack:"transition"`
	Context     map[string]string `json:"context,omitempty" msgpack:"context,omitempty"`
}

// Key returns the event key "<entity_id>:<transition>".
func (e Event) Key() EventKey {
	return EventKey(e.EntityID + ":" + e.Transition)
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.TimestampMS)
}

// DomainOf derives the entity domain from the entity id prefix
// ("light.kitchen" -> "light"). Returns "" when no prefix is present.
func DomainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}

// EntityOf returns the entity id portion of an event key.
func EntityOf(key EventKey) string {
	s := string(key)
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		return s[:i]
	}
	return s
}

// TransitionOf returns the transition portion of an event key.
func TransitionOf(key EventKey) string {
	s := string(key)
	if i := strings.LastIndexByte(s, ':'); i >= 0 && i+1 < len(s) {
		return s[i+1:]
	}
	return ""
}

// MonotonicityTolerance is how far an event timestamp may lag behind the
// newest accepted event before ingress rejects it.
const MonotonicityTolerance = 5 * time.Minute

// ValidateEvent checks an event for ingress acceptance. lastTS is the
// timestamp of the newest previously accepted event (0 when none).
// Rejections wrap ErrInvalidEvent so callers can branch with errors.Is.
func ValidateEvent(e Event, lastTS int64) error {
	if strings.TrimSpace(e.EntityID) == "" {
		return WrapError(CodeInvalidInput, "event entity_id is empty", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Transition) == "" {
		return WrapError(CodeInvalidInput, "event transition is empty", ErrInvalidEvent)
	}
	if e.TimestampMS <= 0 {
		return WrapError(CodeInvalidInput, "event ts_ms must be positive", ErrInvalidEvent)
	}
	if lastTS > 0 && e.TimestampMS < lastTS-MonotonicityTolerance.Milliseconds() {
		return WrapError(CodeInvalidInput,
			fmt.Sprintf("event ts_ms %d is more than %s behind newest accepted event", e.TimestampMS, MonotonicityTolerance),
			ErrInvalidEvent)
	}
	return nil
}

// NormalizeEvent fills derived fields: the domain from the entity id prefix
// when absent, and redaction of free-text context values.
func NormalizeEvent(e Event) Event {
	if e.Domain == "" {
		e.Domain = DomainOf(e.EntityID)
	}
	if len(e.Context) > 0 {
		clean := make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			clean[k] = Redact(v)
		}
		e.Context = clean
	}
	return e
}
