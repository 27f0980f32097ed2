package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/dawsync/internal/audio"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s\n", event.Seq, event.Type, event.Detail)
		}
	}

	return buf.String()
}

func (h *Harness) evaluate(a Assertion) error {
	switch a.Type {
	case AssertArenaSize:
		return h.expect(a.Type, *a.Size, h.session.Allocator().ArenaSize())

	case AssertHandle:
		hd, ok := h.handles[normalizeLabel(a.Label)]
		if !ok {
			return h.fail(a.Type, fmt.Sprintf("handle %q", a.Label), "no such label")
		}
		want := fmt.Sprintf("offset=%d index=%d", *a.Offset, *a.Index)
		got := fmt.Sprintf("offset=%d index=%d", hd.Offset, hd.Index)
		return h.expect(a.Type, want, got)

	case AssertBroadcastCount:
		return h.expect(a.Type, *a.Count, len(h.engine.Broadcasts()))

	case AssertFailures:
		return h.expect(a.Type, uint64(*a.Count), h.session.Coalescer().Stats().Failed)

	case AssertLastBroadcast:
		last, ok := h.engine.LastBroadcast()
		if !ok {
			return h.fail(a.Type, "a broadcast", "none")
		}
		want := make([]audio.Fragment, len(a.Fragments))
		for i, f := range a.Fragments {
			want[i] = audio.Fragment{Offset: f.Offset, Length: f.Length, Target: f.Target}
		}
		wantDesc := fmt.Sprintf("interval=%dms fragments=%s", *a.IntervalMS, formatFragments(want))
		gotDesc := fmt.Sprintf("interval=%dms fragments=%s", last.Interval.Milliseconds(), formatFragments(last.Layout.Fragments))
		if int64(*a.IntervalMS) != last.Interval.Milliseconds() || !slices.Equal(want, last.Layout.Fragments) {
			return h.fail(a.Type, wantDesc, gotDesc)
		}
		return nil

	case AssertPlaceholder:
		return h.expect(a.Type, *a.Expect, h.session.Receiver().Placeholder())

	case AssertActive:
		return h.expect(a.Type, *a.Expect, h.session.Active())

	case AssertHandlerCalls:
		hs, ok := h.handlers[normalizeLabel(a.Label)]
		if !ok {
			return h.fail(a.Type, fmt.Sprintf("handler %q", a.Label), "no such label")
		}
		return h.expect(a.Type, *a.Count, hs.calls)

	case AssertRead:
		return h.assertRead(a)

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) assertRead(a Assertion) error {
	hd, ok := h.handles[normalizeLabel(a.Label)]
	if !ok {
		return h.fail(a.Type, fmt.Sprintf("handle %q", a.Label), "no such label")
	}

	views := h.session.Views()
	want := *a.Value
	var (
		got float64
		err error
	)
	switch a.Kind {
	case "int32":
		var v int32
		v, err = views.Int32(hd.Offset)
		got = float64(v)
		want = float64(int32(want))
	case "float32":
		var v float32
		v, err = views.Float32(hd.Offset)
		got = float64(v)
		want = float64(float32(want))
	case "float64":
		got, err = views.Float64(hd.Offset)
	}
	if err != nil {
		return h.fail(a.Type, fmt.Sprintf("%s %g at %d", a.Kind, want, hd.Offset), err.Error())
	}
	return h.expect(a.Type, want, got)
}

func (h *Harness) expect(typ string, want, got any) error {
	if want == got {
		return nil
	}
	return h.fail(typ, fmt.Sprint(want), fmt.Sprint(got))
}

func (h *Harness) fail(typ, expected, actual string) error {
	return &AssertionError{
		Type:     typ,
		Expected: expected,
		Actual:   actual,
		Trace:    h.result.Trace,
	}
}
