// Package buffer adopts buffers delivered by the audio engine and exposes
// them to frame handlers as read-only numeric views.
//
// Receive is the only writer and the only place views are (re)derived.
// Every Receive bumps a generation counter; a Views value remembers the
// generation it was derived from and refuses to read once the buffer has
// been replaced.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
)

var (
	// ErrStaleView indicates a view used after the buffer was swapped.
	ErrStaleView = errors.New("buffer: stale view")

	// ErrOutOfRange indicates a read past the end of the buffer.
	ErrOutOfRange = errors.New("buffer: read out of range")
)

// Receiver owns the current backing buffer.
// Not safe for concurrent use; Receive runs on the loop goroutine.
type Receiver struct {
	minSize     func() uint32
	active      func() bool
	logger      *slog.Logger
	buf         []byte
	gen         uint64
	placeholder bool
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReceiver creates a receiver holding an empty placeholder.
// minSize reports the arena size a buffer must cover; active reports the
// engine-active flag.
func NewReceiver(minSize func() uint32, active func() bool, opts ...Option) *Receiver {
	r := &Receiver{
		minSize:     minSize,
		active:      active,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		buf:         []byte{},
		placeholder: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Receive adopts buf if the engine is active and buf covers the arena;
// otherwise it installs a zero-filled placeholder of the arena size.
// Reports whether buf was adopted.
func (r *Receiver) Receive(buf []byte) bool {
	need := r.minSize()
	adopt := r.active() && buf != nil && uint64(len(buf)) >= uint64(need)

	if adopt {
		r.buf = buf
	} else {
		if buf != nil {
			r.logger.Debug("buffer rejected, using placeholder",
				"len", len(buf),
				"need", need,
				"active", r.active(),
			)
		}
		r.buf = make([]byte, need)
	}
	r.placeholder = !adopt
	r.gen++
	return adopt
}

// Reset installs a placeholder.
func (r *Receiver) Reset() {
	r.Receive(nil)
}

// Views returns views over the current buffer.
func (r *Receiver) Views() Views {
	return Views{r: r, gen: r.gen, data: r.buf}
}

// Placeholder reports whether the current buffer is synthesized.
func (r *Receiver) Placeholder() bool {
	return r.placeholder
}

// Len returns the current buffer length.
func (r *Receiver) Len() int {
	return len(r.buf)
}

// Generation returns the number of buffers installed so far.
func (r *Receiver) Generation() uint64 {
	return r.gen
}

// Views reads 32-bit signed integers, 32-bit floats and 64-bit floats at
// byte offsets of one specific buffer generation. Little-endian.
type Views struct {
	r    *Receiver
	gen  uint64
	data []byte
}

// Valid reports whether the views still refer to the current buffer.
func (v Views) Valid() bool {
	return v.r != nil && v.r.gen == v.gen
}

// Generation returns the buffer generation the views were derived from.
func (v Views) Generation() uint64 {
	return v.gen
}

// Int32 reads an int32 at byte offset off.
func (v Views) Int32(off uint32) (int32, error) {
	b, err := v.at(off, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// Float32 reads a float32 at byte offset off.
func (v Views) Float32(off uint32) (float32, error) {
	b, err := v.at(off, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// Float64 reads a float64 at byte offset off.
func (v Views) Float64(off uint32) (float64, error) {
	b, err := v.at(off, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (v Views) at(off uint32, n int) ([]byte, error) {
	if !v.Valid() {
		return nil, ErrStaleView
	}
	end := uint64(off) + uint64(n)
	if end > uint64(len(v.data)) {
		return nil, fmt.Errorf("%w: %d bytes at %d, buffer is %d", ErrOutOfRange, n, off, len(v.data))
	}
	return v.data[off:end], nil
}
