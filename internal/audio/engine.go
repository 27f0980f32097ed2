// Package audio defines the capability dawsync needs from the audio engine.
//
// The engine is externally owned: its scheduling, DSP and memory layout are
// opaque. dawsync only relies on the four operations of Engine. Production
// code talks to the real engine through an adapter; the CLI and tests use
// audio/sim and testutil.FakeEngine.
package audio

import (
	"context"
	"time"
)

// Fragment is one byte range the engine is asked to mirror.
//
// Offset and Length address the engine's memory. Target is where the bytes
// land in the delivered buffer, i.e. the region's local offset.
type Fragment struct {
	Offset uint32 `json:"offset"`
	Length uint32 `json:"length"`
	Target uint32 `json:"target"`
}

// Layout is a synchronization request: every live fragment plus the size
// the delivered buffer must have. The zero Layout means "mirror nothing".
type Layout struct {
	Size      uint32     `json:"size"`
	Fragments []Fragment `json:"fragments"`
}

// Empty reports whether the layout mirrors nothing.
func (l Layout) Empty() bool {
	return len(l.Fragments) == 0
}

// Mirror builds a fresh buffer of l.Size bytes and copies every fragment
// out of memory into it. Fragments that fall outside memory or outside the
// buffer are skipped; the returned count says how many were copied.
func (l Layout) Mirror(memory []byte) ([]byte, int) {
	buf := make([]byte, l.Size)
	copied := 0
	for _, f := range l.Fragments {
		src := uint64(f.Offset) + uint64(f.Length)
		dst := uint64(f.Target) + uint64(f.Length)
		if src > uint64(len(memory)) || dst > uint64(len(buf)) {
			continue
		}
		copy(buf[f.Target:dst], memory[f.Offset:src])
		copied++
	}
	return buf, copied
}

// Engine is the capability interface exposed by the audio engine.
//
// Callbacks registered with OnActiveChange and OnBuffer may be invoked from
// any goroutine; consumers marshal them onto their own loop. A buffer passed
// to an OnBuffer callback is owned by the receiver from then on and must not
// be written by the engine again.
type Engine interface {
	// Active reports whether the engine is currently producing data.
	Active(ctx context.Context) (bool, error)

	// OnActiveChange subscribes to activity transitions.
	OnActiveChange(fn func(active bool)) (cancel func())

	// BroadcastFragments tells the engine what to mirror and how often.
	// Returns once the engine acknowledged the request. An interval of zero
	// stops periodic delivery.
	BroadcastFragments(ctx context.Context, layout Layout, interval time.Duration) error

	// OnBuffer subscribes to buffer deliveries.
	OnBuffer(fn func(buf []byte)) (cancel func())
}
