package testutil

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/roach88/dawsync/internal/audio"
)

// Broadcast is one BroadcastFragments call captured by FakeEngine.
type Broadcast struct {
	Layout   audio.Layout
	Interval time.Duration
}

// FakeEngine is a synchronous audio.Engine for tests.
//
// Notifications are delivered on the calling goroutine, so with an inline
// loop the whole exchange is deterministic. Safe for concurrent use.
type FakeEngine struct {
	mu         sync.Mutex
	active     bool
	activeErr  error
	memory     []byte
	broadcasts []Broadcast
	failures   []error
	activeSubs map[int]func(bool)
	bufferSubs map[int]func([]byte)
	nextSub    int
}

// NewFakeEngine creates an inactive engine with memorySize bytes of memory.
func NewFakeEngine(memorySize int) *FakeEngine {
	return &FakeEngine{
		memory:     make([]byte, memorySize),
		activeSubs: make(map[int]func(bool)),
		bufferSubs: make(map[int]func([]byte)),
	}
}

// Active implements audio.Engine.
func (f *FakeEngine) Active(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.activeErr
}

// OnActiveChange implements audio.Engine.
func (f *FakeEngine) OnActiveChange(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.activeSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.activeSubs, id)
	}
}

// OnBuffer implements audio.Engine.
func (f *FakeEngine) OnBuffer(fn func([]byte)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.bufferSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.bufferSubs, id)
	}
}

// BroadcastFragments implements audio.Engine. The call is recorded even
// when a queued failure is returned.
func (f *FakeEngine) BroadcastFragments(ctx context.Context, layout audio.Layout, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcasts = append(f.broadcasts, Broadcast{Layout: layout, Interval: interval})
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return ctx.Err()
}

// SetActive flips the activity flag and notifies subscribers.
func (f *FakeEngine) SetActive(active bool) {
	f.mu.Lock()
	f.active = active
	subs := make([]func(bool), 0, len(f.activeSubs))
	for _, fn := range f.activeSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(active)
	}
}

// SetActiveError makes Active fail with err.
func (f *FakeEngine) SetActiveError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeErr = err
}

// FailNextBroadcast queues err as the result of the next broadcast.
func (f *FakeEngine) FailNextBroadcast(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, err)
}

// Broadcasts returns a copy of every captured broadcast.
func (f *FakeEngine) Broadcasts() []Broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Broadcast, len(f.broadcasts))
	copy(out, f.broadcasts)
	return out
}

// LastBroadcast returns the most recent broadcast.
func (f *FakeEngine) LastBroadcast() (Broadcast, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return Broadcast{}, false
	}
	return f.broadcasts[len(f.broadcasts)-1], true
}

// PutInt32 writes v into engine memory at offset.
func (f *FakeEngine) PutInt32(offset uint32, v int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	binary.LittleEndian.PutUint32(f.memory[offset:], uint32(v))
}

// PutFloat32 writes v into engine memory at offset.
func (f *FakeEngine) PutFloat32(offset uint32, v float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	binary.LittleEndian.PutUint32(f.memory[offset:], math.Float32bits(v))
}

// PutFloat64 writes v into engine memory at offset.
func (f *FakeEngine) PutFloat64(offset uint32, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	binary.LittleEndian.PutUint64(f.memory[offset:], math.Float64bits(v))
}

// Deliver mirrors the last broadcast layout out of engine memory and hands
// the buffer to every buffer subscriber. Returns the buffer size.
func (f *FakeEngine) Deliver() int {
	f.mu.Lock()
	var layout audio.Layout
	if n := len(f.broadcasts); n > 0 {
		layout = f.broadcasts[n-1].Layout
	}
	buf, _ := layout.Mirror(f.memory)
	f.mu.Unlock()

	f.DeliverBuffer(buf)
	return len(buf)
}

// DeliverBuffer hands buf (which may be nil) to every buffer subscriber.
func (f *FakeEngine) DeliverBuffer(buf []byte) {
	f.mu.Lock()
	subs := make([]func([]byte), 0, len(f.bufferSubs))
	for _, fn := range f.bufferSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(buf)
	}
}

// Subscribers returns the number of activity and buffer subscribers.
func (f *FakeEngine) Subscribers() (active, buffer int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activeSubs), len(f.bufferSubs)
}

var _ audio.Engine = (*FakeEngine)(nil)
