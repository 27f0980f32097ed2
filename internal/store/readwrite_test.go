package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dawsync/internal/audio"
)

func TestSessions_CreateListRead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)

	want := createTestSession(t, s, "s-2")
	createTestSession(t, s, "s-1")
	require.NoError(t, s.CreateSession(ctx, want), "duplicate id is ignored")

	sessions, err = s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s-1", sessions[0].ID)
	assert.Equal(t, "s-2", sessions[1].ID)

	got, err := s.ReadSession(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.ReadSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBroadcasts_WriteRead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s-1")

	recs := []BroadcastRecord{
		{
			ID: "b-2", SessionID: "s-1", Seq: 2, IntervalMS: 0, ArenaSize: 0,
			Status: StatusFailed, Error: "engine timeout",
		},
		{
			ID: "b-1", SessionID: "s-1", Seq: 1, IntervalMS: 33, ArenaSize: 16,
			Fragments: []audio.Fragment{
				{Offset: 100, Length: 4, Target: 0},
				{Offset: 200, Length: 8, Target: 8},
			},
			Status: StatusAcked,
		},
	}
	for _, r := range recs {
		require.NoError(t, s.WriteBroadcast(ctx, r))
	}
	require.NoError(t, s.WriteBroadcast(ctx, recs[0]), "duplicate id is ignored")

	got, err := s.ReadBroadcasts(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, recs[1], got[0], "ordered by seq")
	assert.Equal(t, recs[0], got[1])
	assert.True(t, got[1].Layout().Empty())
	assert.Equal(t, uint32(16), got[0].Layout().Size)

	n, err := s.CountFailures(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	empty, err := s.ReadBroadcasts(ctx, "other")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestBroadcasts_Constraints(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s-1")

	tests := []struct {
		name string
		rec  BroadcastRecord
	}{
		{name: "unknown status", rec: BroadcastRecord{ID: "x", SessionID: "s-1", Seq: 9, Status: "maybe"}},
		{name: "missing session", rec: BroadcastRecord{ID: "y", SessionID: "ghost", Seq: 1, Status: StatusAcked}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.WriteBroadcast(ctx, tt.rec))
		})
	}

	require.NoError(t, s.WriteBroadcast(ctx, BroadcastRecord{ID: "a", SessionID: "s-1", Seq: 1, Status: StatusAcked}))
	err := s.WriteBroadcast(ctx, BroadcastRecord{ID: "b", SessionID: "s-1", Seq: 1, Status: StatusAcked})
	assert.Error(t, err, "seq is unique per session")
}

func TestDeliveries_WriteRead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s-1")

	for i, size := range []int{16, 16, 24} {
		require.NoError(t, s.WriteDelivery(ctx, DeliveryRecord{SessionID: "s-1", Seq: int64(i + 1), Size: size}))
	}
	assert.Error(t, s.WriteDelivery(ctx, DeliveryRecord{SessionID: "s-1", Seq: 1, Size: 0}))

	got, err := s.ReadDeliveries(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, []DeliveryRecord{
		{SessionID: "s-1", Seq: 1, Size: 16},
		{SessionID: "s-1", Seq: 2, Size: 16},
		{SessionID: "s-1", Seq: 3, Size: 24},
	}, got)
}

type stubEngine struct {
	err      error
	bufferFn func([]byte)
}

func (e *stubEngine) Active(context.Context) (bool, error)  { return true, nil }
func (e *stubEngine) OnActiveChange(func(bool)) func()      { return func() {} }
func (e *stubEngine) OnBuffer(fn func([]byte)) func()       { e.bufferFn = fn; return func() {} }
func (e *stubEngine) BroadcastFragments(ctx context.Context, _ audio.Layout, _ time.Duration) error {
	return e.err
}

func TestRecorder_RecordsTraffic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	eng := &stubEngine{}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := NewRecorder(ctx, s, eng,
		WithIDGenerator(NewSequenceGenerator("id")),
		WithLabel("demo"),
		WithRefreshInterval(33*time.Millisecond),
		WithNow(func() time.Time { return start }),
	)
	require.NoError(t, err)
	assert.Equal(t, "id-1", rec.SessionID())

	layout := audio.Layout{Size: 8, Fragments: []audio.Fragment{{Offset: 4, Length: 8}}}
	require.NoError(t, rec.BroadcastFragments(ctx, layout, 33*time.Millisecond))

	eng.err = errors.New("engine gone")
	err = rec.BroadcastFragments(ctx, audio.Layout{}, 0)
	assert.EqualError(t, err, "engine gone", "engine errors pass through")

	var got [][]byte
	rec.OnBuffer(func(b []byte) { got = append(got, b) })
	eng.bufferFn(make([]byte, 8))
	eng.bufferFn(nil)
	assert.Len(t, got, 2)

	sess, err := s.ReadSession(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, Session{ID: "id-1", Label: "demo", RefreshIntervalMS: 33, StartedAt: start}, sess)

	broadcasts, err := s.ReadBroadcasts(ctx, "id-1")
	require.NoError(t, err)
	require.Len(t, broadcasts, 2)
	assert.Equal(t, BroadcastRecord{
		ID: "id-2", SessionID: "id-1", Seq: 1, IntervalMS: 33, ArenaSize: 8,
		Fragments: layout.Fragments, Status: StatusAcked,
	}, broadcasts[0])
	assert.Equal(t, StatusFailed, broadcasts[1].Status)
	assert.Equal(t, "engine gone", broadcasts[1].Error)

	deliveries, err := s.ReadDeliveries(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, []DeliveryRecord{
		{SessionID: "id-1", Seq: 1, Size: 8},
		{SessionID: "id-1", Seq: 2, Size: 0},
	}, deliveries)
}

func TestRecorder_RecordsAfterCancelledContext(t *testing.T) {
	s := createTestStore(t)
	rec, err := NewRecorder(context.Background(), s, &stubEngine{},
		WithIDGenerator(NewSequenceGenerator("id")),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rec.BroadcastFragments(ctx, audio.Layout{}, 0))

	broadcasts, err := s.ReadBroadcasts(context.Background(), rec.SessionID())
	require.NoError(t, err)
	assert.Len(t, broadcasts, 1)
}
