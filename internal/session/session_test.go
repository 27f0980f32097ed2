package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dawsync/internal/audio"
	"github.com/roach88/dawsync/internal/loop"
	"github.com/roach88/dawsync/internal/region"
	"github.com/roach88/dawsync/internal/testutil"
)

type fixture struct {
	loop    *loop.Loop
	engine  *testutil.FakeEngine
	session *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		loop:   loop.New(loop.WithInlineAsync()),
		engine: testutil.NewFakeEngine(256),
	}
	f.session = New(context.Background(), f.loop, f.engine,
		WithRefreshInterval(20*time.Millisecond),
	)
	t.Cleanup(f.session.Close)
	return f
}

func TestSession_BufferSubscriptionAtConstruction(t *testing.T) {
	f := newFixture(t)
	activeSubs, bufferSubs := f.engine.Subscribers()
	assert.Equal(t, 0, activeSubs, "activity is bootstrapped lazily")
	assert.Equal(t, 1, bufferSubs)
}

func TestSession_BootstrapOnFirstFrameHandler(t *testing.T) {
	f := newFixture(t)
	f.engine.SetActive(true)

	f.session.AddFrameHandler(func(bool) bool { return false })
	f.session.AddFrameHandler(func(bool) bool { return false })
	f.loop.Drain()

	activeSubs, _ := f.engine.Subscribers()
	assert.Equal(t, 1, activeSubs)
	assert.True(t, f.session.Active())
	assert.True(t, f.session.Frames().Looping())
}

func TestSession_ActivationBroadcastsLiveLayout(t *testing.T) {
	f := newFixture(t)
	h := f.session.Subscribe(16, 8)
	f.loop.Drain()

	first, ok := f.engine.LastBroadcast()
	require.True(t, ok)
	assert.True(t, first.Layout.Empty(), "inactive engine is asked for nothing")
	assert.Zero(t, first.Interval)

	f.session.AddFrameHandler(func(bool) bool { return false })
	f.loop.Drain()
	f.engine.SetActive(true)
	f.loop.Drain()

	last, ok := f.engine.LastBroadcast()
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, last.Interval)
	assert.Equal(t, audio.Layout{
		Size:      8,
		Fragments: []audio.Fragment{{Offset: 16, Length: 8, Target: h.Offset}},
	}, last.Layout)
}

func TestSession_EndToEndRead(t *testing.T) {
	f := newFixture(t)
	f.engine.SetActive(true)

	level := f.session.Subscribe(100, 4)
	peak := f.session.Subscribe(200, 8)

	var got []float64
	f.session.AddFrameHandler(func(active bool) bool {
		if !active {
			return false
		}
		v := f.session.Views()
		l, err := v.Float32(level.Offset)
		require.NoError(t, err)
		p, err := v.Float64(peak.Offset)
		require.NoError(t, err)
		got = append(got, float64(l), p)
		return false
	})
	f.loop.Drain()
	require.True(t, f.session.Active())

	f.engine.PutFloat32(100, 0.25)
	f.engine.PutFloat64(200, -6.5)
	f.engine.Deliver()
	f.loop.Drain()
	require.False(t, f.session.Receiver().Placeholder())

	f.loop.Tick()
	assert.Equal(t, []float64{0.25, -6.5}, got)
}

func TestSession_CoalescesSubscriptionBurst(t *testing.T) {
	f := newFixture(t)
	f.session.AddFrameHandler(func(bool) bool { return false })
	f.engine.SetActive(true)
	f.loop.Drain()
	before := len(f.engine.Broadcasts())

	f.loop.Post(func() {
		for i := uint32(0); i < 10; i++ {
			f.session.Subscribe(i*8, 8)
		}
	})
	f.loop.Drain()

	assert.Len(t, f.engine.Broadcasts(), before+1)
}

func TestSession_DeactivationResetsAndRunsCleanupPass(t *testing.T) {
	f := newFixture(t)
	f.session.Subscribe(0, 8)

	var seen []bool
	f.session.AddFrameHandler(func(active bool) bool {
		seen = append(seen, active)
		return false
	})
	f.engine.SetActive(true)
	f.loop.Drain()
	f.engine.Deliver()
	f.loop.Drain()
	require.False(t, f.session.Receiver().Placeholder())

	f.engine.SetActive(false)
	f.loop.Drain()

	assert.False(t, f.session.Active())
	assert.Equal(t, []bool{false}, seen)
	assert.True(t, f.session.Receiver().Placeholder())
	assert.False(t, f.session.Frames().Looping())

	last, _ := f.engine.LastBroadcast()
	assert.True(t, last.Layout.Empty())
	assert.Zero(t, last.Interval)
}

func TestSession_ReassertedActivityRetriesFailedBroadcast(t *testing.T) {
	f := newFixture(t)
	h := f.session.Subscribe(0, 4)
	f.session.AddFrameHandler(func(bool) bool { return false })
	f.engine.SetActive(true)
	f.loop.Drain()
	require.True(t, f.session.Active())

	f.engine.FailNextBroadcast(errors.New("engine busy"))
	f.session.Subscribe(8, 4)
	f.loop.Drain()
	require.Equal(t, uint64(1), f.session.Coalescer().Stats().Failed)
	n := len(f.engine.Broadcasts())

	f.engine.SetActive(true)
	f.loop.Drain()

	require.Len(t, f.engine.Broadcasts(), n+1)
	last, _ := f.engine.LastBroadcast()
	assert.Equal(t, audio.Layout{
		Size: 8,
		Fragments: []audio.Fragment{
			{Offset: 0, Length: 4, Target: h.Offset},
			{Offset: 8, Length: 4, Target: 4},
		},
	}, last.Layout)
	assert.Equal(t, uint64(1), f.session.Coalescer().Stats().Failed)
}

func TestSession_BootstrapInactiveRunsCleanupPass(t *testing.T) {
	f := newFixture(t)

	var seen []bool
	f.session.AddFrameHandler(func(active bool) bool {
		seen = append(seen, active)
		return false
	})
	f.loop.Drain()

	assert.Equal(t, []bool{false}, seen, "inactive answer cancels the first frame and cleans up at once")
	assert.False(t, f.session.Frames().Looping())
	require.NotEmpty(t, f.engine.Broadcasts())
	last, _ := f.engine.LastBroadcast()
	assert.True(t, last.Layout.Empty())
	assert.Zero(t, last.Interval)
}

func TestSession_HandlersSeeInactiveUntilBufferAdopted(t *testing.T) {
	f := newFixture(t)
	f.session.Subscribe(0, 8)

	var seen []bool
	f.session.AddFrameHandler(func(active bool) bool {
		seen = append(seen, active)
		return false
	})
	f.engine.SetActive(true)
	f.loop.Drain()
	require.True(t, f.session.Active())
	require.True(t, f.session.Receiver().Placeholder())

	f.loop.Tick()
	assert.True(t, f.session.Frames().Looping())

	f.engine.DeliverBuffer(make([]byte, 4))
	f.loop.Drain()
	require.True(t, f.session.Receiver().Placeholder(), "undersized buffer is not adopted")
	f.loop.Tick()

	f.engine.Deliver()
	f.loop.Drain()
	require.False(t, f.session.Receiver().Placeholder())
	f.loop.Tick()

	assert.Equal(t, []bool{false, false, true}, seen)
}

func TestSession_ActiveQueryFailureKeepsInactive(t *testing.T) {
	f := newFixture(t)
	f.engine.SetActiveError(errors.New("engine unreachable"))

	f.session.AddFrameHandler(func(bool) bool { return false })
	f.loop.Drain()
	assert.False(t, f.session.Active())
}

func TestSession_UnsubscribeMisuse(t *testing.T) {
	f := newFixture(t)
	h := f.session.Subscribe(0, 4)

	assert.True(t, f.session.Unsubscribe(h))
	assert.False(t, f.session.Unsubscribe(h))
	assert.False(t, f.session.Unsubscribe(region.Handle{Offset: 0, Index: 42}))
}

func TestSession_CloseDropsEngineSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.session.AddFrameHandler(func(bool) bool { return false })
	f.loop.Drain()

	f.session.Close()
	activeSubs, bufferSubs := f.engine.Subscribers()
	assert.Zero(t, activeSubs)
	assert.Zero(t, bufferSubs)
}
