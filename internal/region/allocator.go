// Package region hands out reference-counted byte ranges of the shared
// arena that mirrors audio engine memory.
//
// Subscribe resolves a request in three steps, first match wins:
//
//  1. Containment: a live entry whose mirrored engine range already covers
//     the request is shared (refCount++), and the returned offset is shifted
//     by the delta inside that range. Nothing changes on the engine side.
//  2. Exact-size reuse: a released entry of exactly the rounded length is
//     re-armed for the new engine offset.
//  3. Bump: a new entry is appended at the arena end (8-byte aligned when
//     longer than 4 bytes) and the arena grows.
//
// Steps 2 and 3 and every release notify the coalescer. Entries are never
// removed, so a handle's index names the same entry for the life of the
// allocator, and arena bytes are never reclaimed, only reused.
//
// Not safe for concurrent use; it lives on the loop goroutine.
package region

import (
	"errors"
	"fmt"

	"github.com/roach88/dawsync/internal/audio"
)

var (
	// ErrUnknownHandle indicates a handle this allocator never issued.
	ErrUnknownHandle = errors.New("region: unknown handle")

	// ErrAlreadyReleased indicates unsubscribing an entry whose refCount is 0.
	ErrAlreadyReleased = errors.New("region: handle already released")
)

// Released is the engine offset of an entry kept only for reuse.
const Released int64 = -1

// Handle identifies one subscription. Offset is the byte offset in the
// local arena to read from; Index is the entry it pins.
type Handle struct {
	Offset uint32
	Index  int
}

// Entry is one mirrored region.
type Entry struct {
	LocalOffset  uint32
	Length       uint32
	EngineOffset int64
	RefCount     uint32
}

// Live reports whether the entry is currently mirrored.
func (e Entry) Live() bool {
	return e.RefCount > 0
}

// covers reports whether the entry's live engine range contains
// [offset, offset+length).
func (e Entry) covers(offset, length uint32) bool {
	if e.EngineOffset == Released {
		return false
	}
	start := int64(offset)
	return start >= e.EngineOffset && start+int64(length) <= e.EngineOffset+int64(e.Length)
}

// Notifier is told whenever the set of mirrored ranges changed.
type Notifier interface {
	Request()
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func()

// Request calls f.
func (f NotifierFunc) Request() { f() }

// Allocator owns the entry table and the arena size.
type Allocator struct {
	entries   []Entry
	arenaSize uint32
	notify    Notifier
}

// New creates an empty allocator. n may be nil.
func New(n Notifier) *Allocator {
	return &Allocator{notify: n}
}

// Subscribe reserves [engineOffset, engineOffset+byteLength) for mirroring.
// byteLength is rounded up to a multiple of 4.
func (a *Allocator) Subscribe(engineOffset, byteLength uint32) Handle {
	length := align4(byteLength)

	for i := range a.entries {
		e := &a.entries[i]
		if e.covers(engineOffset, length) {
			e.RefCount++
			return Handle{
				Offset: e.LocalOffset + (engineOffset - uint32(e.EngineOffset)),
				Index:  i,
			}
		}
	}

	for i := range a.entries {
		e := &a.entries[i]
		if e.RefCount == 0 && e.Length == length {
			e.EngineOffset = int64(engineOffset)
			e.RefCount = 1
			a.changed()
			return Handle{Offset: e.LocalOffset, Index: i}
		}
	}

	offset := a.arenaSize
	if length > 4 {
		offset = align8(offset)
	}
	a.arenaSize = offset + length
	a.entries = append(a.entries, Entry{
		LocalOffset:  offset,
		Length:       length,
		EngineOffset: int64(engineOffset),
		RefCount:     1,
	})
	a.changed()

	return Handle{Offset: offset, Index: len(a.entries) - 1}
}

// Unsubscribe drops one reference held by h. The entry is released (and
// the coalescer notified) when its last reference goes.
func (a *Allocator) Unsubscribe(h Handle) error {
	if h.Index < 0 || h.Index >= len(a.entries) {
		return fmt.Errorf("%w: index %d", ErrUnknownHandle, h.Index)
	}

	e := &a.entries[h.Index]
	if h.Offset < e.LocalOffset || h.Offset >= e.LocalOffset+e.Length {
		return fmt.Errorf("%w: offset %d outside entry %d", ErrUnknownHandle, h.Offset, h.Index)
	}
	if e.RefCount == 0 {
		return fmt.Errorf("%w: entry %d", ErrAlreadyReleased, h.Index)
	}

	e.RefCount--
	if e.RefCount == 0 {
		e.EngineOffset = Released
		a.changed()
	}
	return nil
}

// Layout snapshots every live entry in index order. Reference counts are
// not part of it.
func (a *Allocator) Layout() audio.Layout {
	layout := audio.Layout{Size: a.arenaSize}
	for _, e := range a.entries {
		if !e.Live() {
			continue
		}
		layout.Fragments = append(layout.Fragments, audio.Fragment{
			Offset: uint32(e.EngineOffset),
			Length: e.Length,
			Target: e.LocalOffset,
		})
	}
	return layout
}

// ArenaSize returns the arena size in bytes. It never shrinks.
func (a *Allocator) ArenaSize() uint32 {
	return a.arenaSize
}

// Len returns the number of entries ever created.
func (a *Allocator) Len() int {
	return len(a.entries)
}

// Entry returns a copy of entry i.
func (a *Allocator) Entry(i int) (Entry, bool) {
	if i < 0 || i >= len(a.entries) {
		return Entry{}, false
	}
	return a.entries[i], true
}

func (a *Allocator) changed() {
	if a.notify != nil {
		a.notify.Request()
	}
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

func align8(n uint32) uint32 { return (n + 7) &^ 7 }
