// Package frame runs per-frame redraw callbacks while the audio engine is
// producing data.
//
// The scheduler is idle (no frame request outstanding) or looping (exactly
// one request outstanding). It loops while the engine is active and at
// least one handler is registered. Going inactive cancels the outstanding
// request and runs one synchronous pass with active=false so widgets can
// draw their idle state.
//
// Handlers are kept in an indexed slice walked with an explicit cursor.
// Removing a handler during a pass (itself, an earlier one or a later one)
// adjusts the cursor so no handler is skipped or invoked twice.
package frame

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/dawsync/internal/loop"
)

// ErrUnknownHandler indicates removing an id that is not registered.
var ErrUnknownHandler = errors.New("frame: unknown handler")

// Handler is called once per pass. Returning true removes it.
type Handler func(active bool) (done bool)

// Requester issues one-shot frame requests (the loop).
type Requester interface {
	RequestFrame(fn func()) loop.FrameID
	CancelFrame(id loop.FrameID) bool
}

type entry struct {
	id uint64
	fn Handler
}

// Scheduler owns the handler list.
// Not safe for concurrent use; everything runs on the loop goroutine.
type Scheduler struct {
	req       Requester
	active    func() bool
	ready     func() bool
	bootstrap func()
	logger    *slog.Logger

	ids         *loop.Clock
	handlers    []entry
	cursor      int
	running     bool
	booted      bool
	outstanding loop.FrameID
	passes      uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBootstrap sets a hook run once, on the first Add.
func WithBootstrap(fn func()) Option {
	return func(s *Scheduler) {
		s.bootstrap = fn
	}
}

// WithDataReady gates what handlers are told: a pass reports active only
// while ready also returns true. Looping still follows the engine flag.
func WithDataReady(ready func() bool) Option {
	return func(s *Scheduler) {
		s.ready = ready
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an idle scheduler. active reports the engine-active flag.
func New(req Requester, active func() bool, opts ...Option) *Scheduler {
	s := &Scheduler{
		req:    req,
		active: active,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ids:    loop.NewClock(),
		cursor: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers h and makes sure a frame is requested. The first Add ever
// runs the bootstrap hook. The returned func removes h; calling it twice
// logs an ErrUnknownHandler.
func (s *Scheduler) Add(h Handler) (uint64, func()) {
	if !s.booted {
		s.booted = true
		if s.bootstrap != nil {
			s.bootstrap()
		}
	}

	id := uint64(s.ids.Next())
	s.handlers = append(s.handlers, entry{id: id, fn: h})
	s.arm()

	return id, func() {
		if err := s.Remove(id); err != nil {
			s.logger.Warn("frame handler removal failed", "id", id, "error", err)
		}
	}
}

// Remove unregisters the handler with the given id.
func (s *Scheduler) Remove(id uint64) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownHandler, id)
	}
	s.removeAt(i)
	return nil
}

// RunAll invokes every handler once, in registration order. Handlers added
// during the pass are invoked in the same pass.
func (s *Scheduler) RunAll(active bool) {
	if s.running {
		s.logger.Warn("nested frame pass ignored")
		return
	}
	s.running = true
	s.passes++

	defer func() {
		s.running = false
		s.cursor = -1
	}()
	for s.cursor = 0; s.cursor < len(s.handlers); s.cursor++ {
		e := s.handlers[s.cursor]
		if e.fn(active) {
			// The handler may already have removed itself.
			if i := s.index(e.id); i >= 0 {
				s.removeAt(i)
			}
		}
	}
}

// SetActive reacts to an engine activity change: the outstanding request
// is cancelled, then an active engine re-arms and an inactive one gets a
// single cleanup pass.
func (s *Scheduler) SetActive(active bool) {
	s.cancel()
	if active {
		s.arm()
		return
	}
	s.RunAll(false)
}

// Looping reports whether a frame request is outstanding.
func (s *Scheduler) Looping() bool {
	return s.outstanding != 0
}

// Len returns the number of registered handlers.
func (s *Scheduler) Len() int {
	return len(s.handlers)
}

// Passes returns the number of passes run so far.
func (s *Scheduler) Passes() uint64 {
	return s.passes
}

func (s *Scheduler) arm() {
	if s.outstanding != 0 {
		return
	}
	s.outstanding = s.req.RequestFrame(s.onFrame)
}

func (s *Scheduler) cancel() {
	if s.outstanding == 0 {
		return
	}
	s.req.CancelFrame(s.outstanding)
	s.outstanding = 0
}

func (s *Scheduler) onFrame() {
	s.outstanding = 0
	active := s.active()
	s.RunAll(active && (s.ready == nil || s.ready()))
	if active && len(s.handlers) > 0 {
		s.arm()
	}
}

func (s *Scheduler) index(id uint64) int {
	return slices.IndexFunc(s.handlers, func(e entry) bool { return e.id == id })
}

func (s *Scheduler) removeAt(i int) {
	s.handlers = slices.Delete(s.handlers, i, i+1)
	if s.running && i <= s.cursor {
		s.cursor--
	}
}
