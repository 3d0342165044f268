// Package observation normalizes and merges the raw state an agent run
// observes from one or more external sources before it is handed to a
// run provider. Normalization enforces size/shape invariants so a
// misbehaving or compromised source cannot blow up memory or smuggle a
// prototype-polluting key into downstream consumers, rejecting whatever
// violates them rather than silently reshaping it; the composite
// adapter fans a run out to every configured source, tolerating the
// failure of any individual one.
package observation

import (
	"fmt"
	"strconv"

	"github.com/flowreflex/agentrun/internal/safety"
)

// Limits bounds the shape of a RawObservation. Defaults per spec.
type Limits struct {
	MaxInputLength   int
	MaxEventLength   int
	MaxEvents        int
	MaxTotalStateLength int
}

// DefaultLimits returns the runtime's default normalization bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxInputLength:      10000,
		MaxEventLength:      500,
		MaxEvents:           50,
		MaxTotalStateLength: 50000,
	}
}

// RawObservation is the unvalidated state produced by a single source.
type RawObservation struct {
	Input  string
	Events []string
	State  map[string]any
}

// NormalizedObservation is a RawObservation that has passed every
// invariant check and is safe to hand to a run provider.
type NormalizedObservation struct {
	Input  string
	Events []string
	State  map[string]any
}

// NormalizeErrorKind names the category of size invariant Normalize
// rejected an observation for.
type NormalizeErrorKind string

const (
	// KindInputFieldTooLong indicates a single input or state field
	// exceeded limits.MaxInputLength.
	KindInputFieldTooLong NormalizeErrorKind = "input_field_too_long"

	// KindEventTooLong indicates one element of the events array exceeded
	// limits.MaxEventLength.
	KindEventTooLong NormalizeErrorKind = "event_too_long"

	// KindTotalStateTooLong indicates the aggregate serialized size of
	// input, events, and state exceeded limits.MaxTotalStateLength.
	KindTotalStateTooLong NormalizeErrorKind = "total_state_too_long"
)

// NormalizeError is returned when raw observation data violates one of
// the normalizer's size invariants. Field names the offending input
// field or state key for KindInputFieldTooLong, or the event's index
// for KindEventTooLong; it is empty for KindTotalStateTooLong.
type NormalizeError struct {
	Kind  NormalizeErrorKind
	Field string
}

func (e *NormalizeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("observation: %s(%s)", e.Kind, e.Field)
	}
	return fmt.Sprintf("observation: %s", e.Kind)
}

// Normalize applies the size/shape/forbidden-key invariants to raw,
// rejecting the observation outright when any of them is violated. A
// misbehaving source degrades the run (the caller sees the error and the
// source is skipped upstream in the composite adapter), it does not get
// to silently smuggle truncated or cleared data into a provider.
//
//  1. State is rejected outright if it contains a forbidden key or
//     exceeds the maximum nesting depth.
//  2. Input, and each top-level string value in State, longer than
//     limits.MaxInputLength fails with InputFieldTooLong(field).
//  3. Events beyond limits.MaxEvents are dropped (oldest kept); any
//     remaining event longer than limits.MaxEventLength fails with
//     EventTooLong(index).
//  4. If the total serialized length of input+events+state exceeds
//     limits.MaxTotalStateLength, fail with TotalStateTooLong.
func Normalize(raw RawObservation, limits Limits) (NormalizedObservation, error) {
	if err := safety.CheckKeys(raw.State); err != nil {
		return NormalizedObservation{}, fmt.Errorf("observation: invalid state: %w", err)
	}

	if len(raw.Input) > limits.MaxInputLength {
		return NormalizedObservation{}, &NormalizeError{Kind: KindInputFieldTooLong, Field: "input"}
	}
	for k, v := range raw.State {
		if s, ok := v.(string); ok && len(s) > limits.MaxInputLength {
			return NormalizedObservation{}, &NormalizeError{Kind: KindInputFieldTooLong, Field: k}
		}
	}

	out := NormalizedObservation{
		Input: raw.Input,
		State: raw.State,
	}

	events := raw.Events
	if len(events) > limits.MaxEvents {
		events = events[:limits.MaxEvents]
	}
	out.Events = make([]string, len(events))
	for i, e := range events {
		if len(e) > limits.MaxEventLength {
			return NormalizedObservation{}, &NormalizeError{Kind: KindEventTooLong, Field: strconv.Itoa(i)}
		}
		out.Events[i] = e
	}

	if totalLength(out) > limits.MaxTotalStateLength {
		return NormalizedObservation{}, &NormalizeError{Kind: KindTotalStateTooLong}
	}

	return out, nil
}

func totalLength(o NormalizedObservation) int {
	total := len(o.Input)
	for _, e := range o.Events {
		total += len(e)
	}
	total += stateLength(o.State)
	return total
}

func stateLength(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case map[string]any:
		total := 0
		for k, val := range t {
			total += len(k) + stateLength(val)
		}
		return total
	case []any:
		total := 0
		for _, val := range t {
			total += stateLength(val)
		}
		return total
	default:
		return 8
	}
}
