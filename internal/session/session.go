// Package session wires the region allocator, reschedule coalescer, buffer
// receiver and frame scheduler to one audio engine and one loop.
//
// A Session is the single context object of the subsystem: it owns the
// engine-active flag and every piece of mutable state, so nothing lives in
// package globals. UI widgets only see Subscribe, Unsubscribe,
// AddFrameHandler and Views.
//
// Engine notifications arrive on arbitrary goroutines and are marshalled
// onto the loop with Post before touching any state.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/dawsync/internal/audio"
	"github.com/roach88/dawsync/internal/buffer"
	"github.com/roach88/dawsync/internal/frame"
	"github.com/roach88/dawsync/internal/loop"
	"github.com/roach88/dawsync/internal/region"
	"github.com/roach88/dawsync/internal/reschedule"
)

// Loop is the part of loop.Loop a session needs.
type Loop interface {
	Post(fn func()) bool
	Defer(fn func())
	Async(fn func())
	RequestFrame(fn func()) loop.FrameID
	CancelFrame(id loop.FrameID) bool
}

// Session is the engine synchronization subsystem for one UI.
// All methods must be called on the loop goroutine.
type Session struct {
	ctx    context.Context
	loop   Loop
	engine audio.Engine
	logger *slog.Logger

	alloc     *region.Allocator
	coalescer *reschedule.Coalescer
	receiver  *buffer.Receiver
	frames    *frame.Scheduler

	active     bool
	bootstrapd bool
	cancels    []func()
}

type settings struct {
	interval   time.Duration
	ackTimeout time.Duration
	logger     *slog.Logger
}

// Option configures a Session.
type Option func(*settings)

// WithRefreshInterval sets the interval requested from an active engine.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *settings) { s.interval = d }
}

// WithAckTimeout bounds each broadcast.
func WithAckTimeout(d time.Duration) Option {
	return func(s *settings) { s.ackTimeout = d }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a session. Buffer deliveries are subscribed immediately;
// engine activity is bootstrapped on the first frame handler.
func New(ctx context.Context, l Loop, eng audio.Engine, opts ...Option) *Session {
	cfg := settings{
		interval:   reschedule.DefaultInterval,
		ackTimeout: reschedule.DefaultAckTimeout,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		ctx:    ctx,
		loop:   l,
		engine: eng,
		logger: cfg.logger,
	}

	s.alloc = region.New(region.NotifierFunc(func() { s.coalescer.Request() }))
	s.receiver = buffer.NewReceiver(s.alloc.ArenaSize, s.Active,
		buffer.WithLogger(cfg.logger),
	)
	s.coalescer = reschedule.New(l, s.alloc, eng, s.Active, s.receiver,
		reschedule.WithContext(ctx),
		reschedule.WithInterval(cfg.interval),
		reschedule.WithAckTimeout(cfg.ackTimeout),
		reschedule.WithLogger(cfg.logger),
	)
	s.frames = frame.New(l, s.Active,
		frame.WithDataReady(func() bool { return !s.receiver.Placeholder() }),
		frame.WithBootstrap(s.bootstrap),
		frame.WithLogger(cfg.logger),
	)

	s.cancels = append(s.cancels, eng.OnBuffer(func(buf []byte) {
		s.loop.Post(func() { s.receiver.Receive(buf) })
	}))

	return s
}

// Subscribe reserves an engine byte range; read it through Views at the
// returned handle's Offset.
func (s *Session) Subscribe(engineOffset, length uint32) region.Handle {
	return s.alloc.Subscribe(engineOffset, length)
}

// Unsubscribe releases h. Misuse is logged and reported as false.
func (s *Session) Unsubscribe(h region.Handle) bool {
	if err := s.alloc.Unsubscribe(h); err != nil {
		level := slog.LevelWarn
		if !errors.Is(err, region.ErrAlreadyReleased) && !errors.Is(err, region.ErrUnknownHandle) {
			level = slog.LevelError
		}
		s.logger.Log(s.ctx, level, "unsubscribe rejected",
			"offset", h.Offset,
			"index", h.Index,
			"error", err,
		)
		return false
	}
	return true
}

// AddFrameHandler registers a per-frame callback and returns its remover.
func (s *Session) AddFrameHandler(h frame.Handler) (remove func()) {
	_, remove = s.frames.Add(h)
	return remove
}

// Views returns views over the current buffer. Do not keep them across
// frames; they go stale on the next delivery.
func (s *Session) Views() buffer.Views {
	return s.receiver.Views()
}

// Active reports the engine-active flag.
func (s *Session) Active() bool {
	return s.active
}

// Allocator exposes the allocator for inspection.
func (s *Session) Allocator() *region.Allocator { return s.alloc }

// Coalescer exposes the coalescer for inspection.
func (s *Session) Coalescer() *reschedule.Coalescer { return s.coalescer }

// Receiver exposes the receiver for inspection.
func (s *Session) Receiver() *buffer.Receiver { return s.receiver }

// Frames exposes the frame scheduler for inspection.
func (s *Session) Frames() *frame.Scheduler { return s.frames }

// Close cancels every engine subscription.
func (s *Session) Close() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

func (s *Session) bootstrap() {
	if s.bootstrapd {
		return
	}
	s.bootstrapd = true
	s.logger.Debug("bootstrapping engine activity")

	s.cancels = append(s.cancels, s.engine.OnActiveChange(func(active bool) {
		s.loop.Post(func() { s.setActive(active) })
	}))

	s.loop.Async(func() {
		active, err := s.engine.Active(s.ctx)
		s.loop.Post(func() {
			if err != nil {
				s.logger.Error("engine activity query failed", "error", err)
				return
			}
			s.setActive(active)
		})
	})
}

// setActive runs for every notification, repeated ones included: a
// reassertion is how a still-active engine gets a fresh broadcast after a
// failed one.
func (s *Session) setActive(active bool) {
	if s.active != active {
		s.logger.Info("engine activity changed", "active", active)
	} else {
		s.logger.Debug("engine activity reasserted", "active", active)
	}
	s.active = active

	s.coalescer.Request()
	s.frames.SetActive(active)
}
