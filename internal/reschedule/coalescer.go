// Package reschedule coalesces allocator churn into at most one engine
// synchronization request per loop tick.
//
// Request only raises a pending flag and defers a flush to the microtask
// boundary, so any number of subscribe/unsubscribe calls inside one task
// produce a single BroadcastFragments call.
//
// The flush clears the pending flag before doing anything else: a Request
// issued while the flush runs schedules a fresh round instead of being lost.
//
// Failures are logged and counted. There is no retry timer; the next
// allocator mutation or engine activity notification triggers a new round.
package reschedule

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/dawsync/internal/audio"
)

const (
	// DefaultInterval is the refresh interval requested from the engine
	// while it is active (~30Hz).
	DefaultInterval = 33 * time.Millisecond

	// DefaultAckTimeout bounds how long a broadcast may wait for the
	// engine's acknowledgement.
	DefaultAckTimeout = 2 * time.Second
)

// Scheduler is the slice of the loop the coalescer runs on.
type Scheduler interface {
	Defer(fn func())
	Async(fn func())
	Post(fn func()) bool
}

// LayoutSource provides the current live layout (the region allocator).
type LayoutSource interface {
	Layout() audio.Layout
}

// Broadcaster sends synchronization requests to the engine.
type Broadcaster interface {
	BroadcastFragments(ctx context.Context, layout audio.Layout, interval time.Duration) error
}

// Resetter drops the current buffer in favour of an empty placeholder.
type Resetter interface {
	Reset()
}

// Stats counts broadcasts. Acked+Failed lags Requests while broadcasts
// are in flight.
type Stats struct {
	Requests uint64
	Acked    uint64
	Failed   uint64
}

// Coalescer batches reschedule requests.
// All methods must be called on the loop goroutine.
type Coalescer struct {
	sched       Scheduler
	source      LayoutSource
	engine      Broadcaster
	active      func() bool
	placeholder Resetter

	ctx        context.Context
	interval   time.Duration
	ackTimeout time.Duration
	logger     *slog.Logger

	pending bool
	stats   Stats
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithInterval sets the refresh interval sent while the engine is active.
func WithInterval(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithAckTimeout bounds each broadcast.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithContext sets the parent context of every broadcast.
func WithContext(ctx context.Context) Option {
	return func(c *Coalescer) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coalescer) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a coalescer. active reports the engine-active flag;
// placeholder is reset whenever a flush finds the engine inactive.
func New(
	sched Scheduler,
	source LayoutSource,
	engine Broadcaster,
	active func() bool,
	placeholder Resetter,
	opts ...Option,
) *Coalescer {
	c := &Coalescer{
		sched:       sched,
		source:      source,
		engine:      engine,
		active:      active,
		placeholder: placeholder,
		ctx:         context.Background(),
		interval:    DefaultInterval,
		ackTimeout:  DefaultAckTimeout,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request schedules a flush for the end of the current tick.
// Calls while a flush is pending are no-ops.
func (c *Coalescer) Request() {
	if c.pending {
		return
	}
	c.pending = true
	c.sched.Defer(c.flush)
}

// Pending reports whether a flush is scheduled.
func (c *Coalescer) Pending() bool {
	return c.pending
}

// Stats returns the broadcast counters.
func (c *Coalescer) Stats() Stats {
	return c.stats
}

func (c *Coalescer) flush() {
	c.pending = false

	var (
		layout   audio.Layout
		interval time.Duration
	)
	if c.active() {
		layout = c.source.Layout()
		interval = c.interval
	} else {
		// Inactive: ask for nothing and make sure nobody reads stale data.
		c.placeholder.Reset()
	}

	c.stats.Requests++
	seq := c.stats.Requests

	c.logger.Debug("broadcasting fragments",
		"seq", seq,
		"fragments", len(layout.Fragments),
		"arena_size", layout.Size,
		"interval", interval,
	)

	c.sched.Async(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.ackTimeout)
		defer cancel()
		err := c.engine.BroadcastFragments(ctx, layout, interval)
		c.sched.Post(func() { c.acknowledge(seq, err) })
	})
}

func (c *Coalescer) acknowledge(seq uint64, err error) {
	if err != nil {
		c.stats.Failed++
		c.logger.Error("fragment broadcast failed",
			"seq", seq,
			"error", err,
		)
		return
	}
	c.stats.Acked++
	c.logger.Debug("fragment broadcast acknowledged", "seq", seq)
}
