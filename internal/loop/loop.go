package loop

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// DefaultFrameInterval approximates a 60Hz display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// FrameID identifies an outstanding frame request. Zero is never issued.
type FrameID uint64

type frameRequest struct {
	id FrameID
	fn func()
}

// Loop is the cooperative scheduler.
//
// Thread-safety model:
//   - Post, Stop: safe from any goroutine
//   - everything else: loop goroutine only (inside a callback, or the
//     goroutine calling Run / Drain / Tick)
type Loop struct {
	queue    *taskQueue
	micro    []func()
	frames   []frameRequest
	due      []frameRequest
	frameIDs *Clock
	interval time.Duration
	inline   bool
	logger   *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithFrameInterval sets the redraw cadence used by Run.
func WithFrameInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithInlineAsync makes Async queue work as a task instead of starting a
// goroutine. Used by tests and the scenario harness.
func WithInlineAsync() Option {
	return func(l *Loop) {
		l.inline = true
	}
}

// WithLogger sets the logger used to report callback panics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates an idle loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		queue:    newTaskQueue(),
		frameIDs: NewClock(),
		interval: DefaultFrameInterval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post schedules fn as a task. Safe from any goroutine.
// Returns false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	return l.queue.Enqueue(fn)
}

// Defer schedules fn as a microtask: it runs once the current callback
// returns, before any further task or frame.
func (l *Loop) Defer(fn func()) {
	l.micro = append(l.micro, fn)
}

// Async runs blocking work off the loop. fn must report back with Post.
func (l *Loop) Async(fn func()) {
	if l.inline {
		l.queue.Enqueue(fn)
		return
	}
	go fn()
}

// RequestFrame registers fn for the next frame tick.
func (l *Loop) RequestFrame(fn func()) FrameID {
	id := FrameID(l.frameIDs.Next())
	l.frames = append(l.frames, frameRequest{id: id, fn: fn})
	return id
}

// CancelFrame drops a pending frame request. Returns false if id already
// fired or was never issued. A frame that is due in the current tick but
// has not fired yet can still be cancelled.
func (l *Loop) CancelFrame(id FrameID) bool {
	if i := indexFrame(l.frames, id); i >= 0 {
		l.frames = append(l.frames[:i], l.frames[i+1:]...)
		return true
	}
	if i := indexFrame(l.due, id); i >= 0 {
		l.due = append(l.due[:i], l.due[i+1:]...)
		return true
	}
	return false
}

// PendingFrames returns the number of outstanding frame requests.
func (l *Loop) PendingFrames() int {
	return len(l.frames) + len(l.due)
}

func indexFrame(frames []frameRequest, id FrameID) int {
	for i, f := range frames {
		if f.id == id {
			return i
		}
	}
	return -1
}

// Drain runs microtasks and queued tasks until both are empty.
// Returns the number of tasks executed.
func (l *Loop) Drain() int {
	n := 0
	l.runMicrotasks()
	for {
		fn, ok := l.queue.TryDequeue()
		if !ok {
			return n
		}
		l.invoke("task", fn)
		l.runMicrotasks()
		n++
	}
}

// Tick fires every frame callback requested before the tick, then drains.
// Frames requested by those callbacks wait for the next tick.
func (l *Loop) Tick() {
	l.due, l.frames = l.frames, nil
	for len(l.due) > 0 {
		f := l.due[0]
		l.due = l.due[1:]
		l.invoke("frame", f.fn)
		l.runMicrotasks()
	}
	l.due = nil
	l.Drain()
}

// Run drives the loop until ctx is cancelled or Stop is called.
// Must be called from exactly one goroutine.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Debug("loop starting", "frame_interval", l.interval)

	for {
		l.Drain()

		// Only listen to the ticker while someone wants a frame; an idle
		// engine means no redraw work at all.
		var tick <-chan time.Time
		if len(l.frames) > 0 {
			tick = ticker.C
		}

		select {
		case <-ctx.Done():
			l.logger.Debug("loop stopping: context cancelled")
			l.queue.Close()
			return ctx.Err()

		case <-tick:
			l.Tick()

		case <-l.queue.Wait():
			if l.queue.Len() == 0 {
				// Woken by Close rather than by a task.
				select {
				case _, open := <-l.queue.Wait():
					if !open {
						l.logger.Debug("loop stopping: queue closed")
						return nil
					}
				default:
				}
			}
		}
	}
}

// Stop closes the task queue; Run returns after draining what is left.
func (l *Loop) Stop() {
	l.queue.Close()
}

func (l *Loop) runMicrotasks() {
	for len(l.micro) > 0 {
		fn := l.micro[0]
		l.micro[0] = nil
		l.micro = l.micro[1:]
		l.invoke("microtask", fn)
	}
	l.micro = l.micro[:0]
}

// invoke runs one callback. A panicking widget callback is logged and the
// loop keeps going.
func (l *Loop) invoke(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop callback panicked", "kind", kind, "panic", r)
		}
	}()
	fn()
}
