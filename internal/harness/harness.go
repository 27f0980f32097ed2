package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/dawsync/internal/audio"
	"github.com/roach88/dawsync/internal/loop"
	"github.com/roach88/dawsync/internal/region"
	"github.com/roach88/dawsync/internal/session"
	"github.com/roach88/dawsync/internal/testutil"
)

const (
	defaultMemorySize        = 1024
	defaultRefreshIntervalMS = 33
)

// Harness executes one scenario. Everything runs on the calling goroutine:
// the loop uses inline async and the fake engine notifies synchronously,
// so a scenario always produces the same trace.
type Harness struct {
	loop    *loop.Loop
	engine  *testutil.FakeEngine
	session *session.Session
	clock   *testutil.DeterministicClock
	logger  *slog.Logger
	result  *Result

	handles  map[string]region.Handle
	handlers map[string]*handlerState

	memorySize     int
	broadcastsSeen int
}

type handlerState struct {
	calls       int
	expireAfter int
	remove      func()
}

// Option configures a harness run.
type Option func(*Harness)

// WithLogger routes session logs to l. Scenario runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// Run executes a scenario and returns the result. The error is non-nil
// only when the scenario itself is broken (e.g. an unknown label); failed
// assertions are reported in Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	memory := scenario.MemorySize
	if memory == 0 {
		memory = defaultMemorySize
	}
	interval := scenario.RefreshIntervalMS
	if interval == 0 {
		interval = defaultRefreshIntervalMS
	}

	h := &Harness{
		loop:       loop.New(loop.WithInlineAsync()),
		engine:     testutil.NewFakeEngine(memory),
		clock:      testutil.NewDeterministicClock(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:     NewResult(),
		handles:    make(map[string]region.Handle),
		handlers:   make(map[string]*handlerState),
		memorySize: memory,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.session = session.New(context.Background(), h.loop, h.engine,
		session.WithRefreshInterval(time.Duration(interval)*time.Millisecond),
		session.WithLogger(h.logger),
	)
	defer h.session.Close()

	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}
	// Settle whatever the last steps deferred.
	h.drain()

	for i, a := range scenario.Assertions {
		if err := h.evaluate(a); err != nil {
			h.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	return h.result, nil
}

var errUnknownLabel = errors.New("unknown label")

func (h *Harness) execute(st Step) error {
	label := normalizeLabel(st.Label)

	switch st.Op {
	case OpSubscribe:
		hd := h.session.Subscribe(st.Offset, st.Length)
		h.handles[label] = hd
		h.trace(EventSubscribe, "%s engine=%d len=%d offset=%d index=%d",
			label, st.Offset, st.Length, hd.Offset, hd.Index)

	case OpUnsubscribe:
		hd, ok := h.handles[label]
		if !ok {
			return fmt.Errorf("%w %q", errUnknownLabel, label)
		}
		accepted := h.session.Unsubscribe(hd)
		h.trace(EventUnsubscribe, "%s accepted=%t", label, accepted)

	case OpActivate, OpDeactivate:
		h.engine.SetActive(st.Op == OpActivate)
		h.drain()
		h.trace(EventActivity, "engine=%t session=%t", st.Op == OpActivate, h.session.Active())

	case OpPoke:
		if uint64(st.Offset)+uint64(kindSize(st.Kind)) > uint64(h.memorySize) {
			return fmt.Errorf("%s at %d outside %d bytes of engine memory", st.Kind, st.Offset, h.memorySize)
		}
		h.poke(st.Kind, st.Offset, st.Value)
		h.trace(EventPoke, "%s@%d=%g", st.Kind, st.Offset, st.Value)

	case OpDeliver:
		size := h.engine.Deliver()
		h.drain()
		rcv := h.session.Receiver()
		h.trace(EventDeliver, "size=%d adopted=%t len=%d", size, !rcv.Placeholder(), rcv.Len())

	case OpFrame:
		count := st.Count
		if count == 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			h.drain()
			h.loop.Tick()
			h.recordBroadcasts()
			frames := h.session.Frames()
			h.trace(EventFrame, "pass=%d handlers=%d looping=%t", frames.Passes(), frames.Len(), frames.Looping())
		}

	case OpAddHandler:
		if _, exists := h.handlers[label]; exists {
			return fmt.Errorf("handler %q already added", label)
		}
		hs := &handlerState{expireAfter: st.ExpireAfter}
		h.handlers[label] = hs
		hs.remove = h.session.AddFrameHandler(func(active bool) bool {
			hs.calls++
			done := hs.expireAfter > 0 && hs.calls >= hs.expireAfter
			suffix := ""
			if done {
				suffix = " done"
			}
			h.trace(EventHandler, "%s call=%d active=%t%s", label, hs.calls, active, suffix)
			return done
		})

	case OpRemoveHandler:
		hs, ok := h.handlers[label]
		if !ok {
			return fmt.Errorf("%w %q", errUnknownLabel, label)
		}
		hs.remove()

	case OpFailBroadcast:
		h.engine.FailNextBroadcast(errors.New(st.Fail))

	case OpFlush:
		h.drain()

	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

// drain runs every pending microtask and task, then traces the broadcasts
// they produced.
func (h *Harness) drain() {
	h.loop.Drain()
	h.recordBroadcasts()
}

func (h *Harness) recordBroadcasts() {
	all := h.engine.Broadcasts()
	for _, b := range all[h.broadcastsSeen:] {
		h.trace(EventBroadcast, "size=%d interval=%dms fragments=%s",
			b.Layout.Size, b.Interval.Milliseconds(), formatFragments(b.Layout.Fragments))
	}
	h.broadcastsSeen = len(all)
}

func (h *Harness) poke(kind string, offset uint32, v float64) {
	switch kind {
	case "int32":
		h.engine.PutInt32(offset, int32(v))
	case "float32":
		h.engine.PutFloat32(offset, float32(v))
	case "float64":
		h.engine.PutFloat64(offset, v)
	}
}

func (h *Harness) trace(typ, format string, args ...any) {
	h.result.AddTrace(h.clock.Next(), typ, fmt.Sprintf(format, args...))
}

// normalizeLabel folds labels to NFC so visually identical names written
// with combining characters refer to the same handle.
func normalizeLabel(label string) string {
	return norm.NFC.String(label)
}

// formatFragments renders fragments as [offset+length@target ...].
func formatFragments(frags []audio.Fragment) string {
	parts := make([]string, len(frags))
	for i, f := range frags {
		parts[i] = fmt.Sprintf("%d+%d@%d", f.Offset, f.Length, f.Target)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
