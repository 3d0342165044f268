package observation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNormalizeRejectsOversizeInput(t *testing.T) {
	limits := Limits{MaxInputLength: 5, MaxEventLength: 100, MaxEvents: 10, MaxTotalStateLength: 10000}
	_, err := Normalize(RawObservation{Input: "abcdefgh"}, limits)
	var nerr *NormalizeError
	if !errors.As(err, &nerr) || nerr.Kind != KindInputFieldTooLong || nerr.Field != "input" {
		t.Fatalf("expected InputFieldTooLong(input), got %v", err)
	}
}

func TestNormalizeRejectsOversizeStateField(t *testing.T) {
	limits := Limits{MaxInputLength: 5, MaxEventLength: 100, MaxEvents: 10, MaxTotalStateLength: 10000}
	_, err := Normalize(RawObservation{State: map[string]any{"k": "abcdefgh"}}, limits)
	var nerr *NormalizeError
	if !errors.As(err, &nerr) || nerr.Kind != KindInputFieldTooLong || nerr.Field != "k" {
		t.Fatalf("expected InputFieldTooLong(k), got %v", err)
	}
}

func TestNormalizeDropsExcessEvents(t *testing.T) {
	limits := Limits{MaxInputLength: 1000, MaxEventLength: 100, MaxEvents: 2, MaxTotalStateLength: 10000}
	out, err := Normalize(RawObservation{Events: []string{"a", "b", "c"}}, limits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Events) != 2 {
		t.Fatalf("expected 2 events kept, got %d", len(out.Events))
	}
}

func TestNormalizeRejectsForbiddenKey(t *testing.T) {
	limits := DefaultLimits()
	_, err := Normalize(RawObservation{State: map[string]any{"__proto__": 1}}, limits)
	if err == nil {
		t.Fatalf("expected forbidden key rejection")
	}
}

func TestNormalizeRejectsOversizeTotalState(t *testing.T) {
	limits := Limits{MaxInputLength: 200, MaxEventLength: 200, MaxEvents: 10, MaxTotalStateLength: 20}
	_, err := Normalize(RawObservation{
		Input: "hello",
		State: map[string]any{"k": strings.Repeat("x", 100)},
	}, limits)
	var nerr *NormalizeError
	if !errors.As(err, &nerr) || nerr.Kind != KindTotalStateTooLong {
		t.Fatalf("expected TotalStateTooLong, got %v", err)
	}
}

func TestNormalizeRejectsOversizeEvent(t *testing.T) {
	limits := Limits{MaxInputLength: 1000, MaxEventLength: 3, MaxEvents: 10, MaxTotalStateLength: 10000}
	_, err := Normalize(RawObservation{Events: []string{"ok", "toolong"}}, limits)
	var nerr *NormalizeError
	if !errors.As(err, &nerr) || nerr.Kind != KindEventTooLong || nerr.Field != "1" {
		t.Fatalf("expected EventTooLong(1), got %v", err)
	}
}

type fakeSource struct {
	name string
	obs  RawObservation
	err  error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Observe(_ context.Context, _ string) (RawObservation, error) {
	return f.obs, f.err
}

func TestCompositeMergesLastWriterWins(t *testing.T) {
	a := &fakeSource{name: "a", obs: RawObservation{State: map[string]any{"k": "a-val"}}}
	b := &fakeSource{name: "b", obs: RawObservation{State: map[string]any{"k": "b-val"}}}
	c := NewComposite([]Source{a, b}, DefaultLimits(), zap.NewNop())

	out, err := c.Observe(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State["k"] != "b-val" {
		t.Fatalf("expected last source to win, got %v", out.State["k"])
	}
}

func TestCompositeIsolatesSourceFailure(t *testing.T) {
	ok := &fakeSource{name: "ok", obs: RawObservation{Input: "fine"}}
	bad := &fakeSource{name: "bad", err: errBoom}
	c := NewComposite([]Source{ok, bad}, DefaultLimits(), zap.NewNop())

	out, err := c.Observe(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Input != "fine" {
		t.Fatalf("expected surviving source's data, got %q", out.Input)
	}
}

func TestCompositeAllSourcesFailed(t *testing.T) {
	bad1 := &fakeSource{name: "bad1", err: errBoom}
	bad2 := &fakeSource{name: "bad2", err: errBoom}
	c := NewComposite([]Source{bad1, bad2}, DefaultLimits(), zap.NewNop())

	_, err := c.Observe(context.Background(), "tenant-1")
	if err != ErrAllSourcesFailed {
		t.Fatalf("expected ErrAllSourcesFailed, got %v", err)
	}
}

type boomError string

func (e boomError) Error() string { return string(e) }

const errBoom = boomError("boom")
