// Package sim is an in-process audio.Engine driven by synthetic meters.
//
// The simulator owns a block of engine memory. Each meter writes a value
// derived from a phase counter into its byte range; while active, Run
// mirrors the most recently broadcast layout into a fresh buffer every
// interval and hands it to the buffer subscribers.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/roach88/dawsync/internal/audio"
)

// Kind is the numeric encoding of a meter.
type Kind string

const (
	KindInt32   Kind = "int32"
	KindFloat32 Kind = "float32"
	KindFloat64 Kind = "float64"
)

// Size returns the byte width of one value of kind k, or 0 if unknown.
func (k Kind) Size() uint32 {
	switch k {
	case KindInt32, KindFloat32:
		return 4
	case KindFloat64:
		return 8
	}
	return 0
}

// Meter is one synthetic value written into engine memory.
type Meter struct {
	Name   string
	Offset uint32
	Kind   Kind
}

// Engine is the simulator. Safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	memory   []byte
	meters   []Meter
	active   bool
	layout   audio.Layout
	interval time.Duration
	phase    uint64

	activeSubs map[int]func(bool)
	bufferSubs map[int]func([]byte)
	nextSub    int

	wake   chan struct{}
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithActive sets the initial activity flag.
func WithActive(active bool) Option {
	return func(e *Engine) {
		e.active = active
	}
}

// New creates a simulator with memorySize bytes of memory. Every meter must
// fit inside memory.
func New(memorySize uint32, meters []Meter, opts ...Option) (*Engine, error) {
	for _, m := range meters {
		size := m.Kind.Size()
		if size == 0 {
			return nil, fmt.Errorf("meter %q: unknown kind %q", m.Name, m.Kind)
		}
		if uint64(m.Offset)+uint64(size) > uint64(memorySize) {
			return nil, fmt.Errorf("meter %q: [%d, %d) outside %d bytes of memory",
				m.Name, m.Offset, uint64(m.Offset)+uint64(size), memorySize)
		}
	}

	e := &Engine{
		memory:     make([]byte, memorySize),
		meters:     append([]Meter(nil), meters...),
		activeSubs: make(map[int]func(bool)),
		bufferSubs: make(map[int]func([]byte)),
		wake:       make(chan struct{}, 1),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Active implements audio.Engine.
func (e *Engine) Active(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, nil
}

// OnActiveChange implements audio.Engine.
func (e *Engine) OnActiveChange(fn func(bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.activeSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.activeSubs, id)
	}
}

// OnBuffer implements audio.Engine.
func (e *Engine) OnBuffer(fn func([]byte)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.bufferSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.bufferSubs, id)
	}
}

// BroadcastFragments implements audio.Engine. The latest request replaces
// any earlier one; an interval of zero stops delivery.
func (e *Engine) BroadcastFragments(ctx context.Context, layout audio.Layout, interval time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if interval < 0 {
		return fmt.Errorf("negative interval %s", interval)
	}

	e.mu.Lock()
	e.layout = layout
	e.interval = interval
	e.mu.Unlock()

	e.logger.Debug("sim layout installed",
		"fragments", len(layout.Fragments),
		"size", layout.Size,
		"interval", interval,
	)
	e.poke()
	return nil
}

// SetActive flips the activity flag and notifies subscribers on change.
func (e *Engine) SetActive(active bool) {
	e.mu.Lock()
	if e.active == active {
		e.mu.Unlock()
		return
	}
	e.active = active
	subs := make([]func(bool), 0, len(e.activeSubs))
	for _, fn := range e.activeSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	e.logger.Info("sim activity changed", "active", active)
	for _, fn := range subs {
		fn(active)
	}
	e.poke()
}

// Step advances every meter by one phase step and, if a delivery is due,
// mirrors the current layout to the buffer subscribers. Returns the size
// of the delivered buffer or -1 when nothing was delivered.
func (e *Engine) Step() int {
	e.mu.Lock()
	e.phase++
	for _, m := range e.meters {
		e.write(m, e.phase)
	}
	if !e.active || e.interval == 0 || e.layout.Empty() {
		e.mu.Unlock()
		return -1
	}
	buf, _ := e.layout.Mirror(e.memory)
	subs := make([]func([]byte), 0, len(e.bufferSubs))
	for _, fn := range e.bufferSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(buf)
	}
	return len(buf)
}

// Run delivers buffers at the broadcast interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		e.mu.Lock()
		interval := e.interval
		running := e.active && interval > 0
		e.mu.Unlock()

		var tick <-chan time.Time
		if running {
			timer.Reset(interval)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
			if running && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-tick:
			e.Step()
		}
	}
}

// Meters returns the configured meters.
func (e *Engine) Meters() []Meter {
	return append([]Meter(nil), e.meters...)
}

// Value reads meter m's current value from engine memory as a float64.
func (e *Engine) Value(m Meter) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return decode(e.memory[m.Offset:], m.Kind)
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// write stores meter m's value for phase p. Meters are deterministic in p:
// int32 counts, float32 sweeps a sine, float64 a slower cosine in dB.
func (e *Engine) write(m Meter, p uint64) {
	dst := e.memory[m.Offset:]
	switch m.Kind {
	case KindInt32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(p)))
	case KindFloat32:
		v := float32(math.Sin(float64(p) / 8))
		binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
	case KindFloat64:
		v := -30 + 30*math.Cos(float64(p)/32)
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	}
}

func decode(b []byte, k Kind) float64 {
	switch k {
	case KindInt32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case KindFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case KindFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

var _ audio.Engine = (*Engine)(nil)
