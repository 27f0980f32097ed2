package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/dawsync/internal/audio"
)

// Recorder decorates an audio.Engine and writes every broadcast and buffer
// delivery to the store. Recording failures are logged and never change
// what the wrapped engine returns.
type Recorder struct {
	engine    audio.Engine
	store     *Store
	sessionID string
	ids       IDGenerator
	logger    *slog.Logger

	mu           sync.Mutex
	broadcastSeq int64
	deliverySeq  int64
}

type recorderConfig struct {
	ids      IDGenerator
	label    string
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*recorderConfig)

// WithIDGenerator sets the session and broadcast id source.
func WithIDGenerator(g IDGenerator) RecorderOption {
	return func(c *recorderConfig) { c.ids = g }
}

// WithLabel sets the session label.
func WithLabel(label string) RecorderOption {
	return func(c *recorderConfig) { c.label = label }
}

// WithRefreshInterval records the session's configured refresh interval.
func WithRefreshInterval(d time.Duration) RecorderOption {
	return func(c *recorderConfig) { c.interval = d }
}

// WithNow sets the clock used for the session start time.
func WithNow(now func() time.Time) RecorderOption {
	return func(c *recorderConfig) { c.now = now }
}

// WithLogger sets the logger for recording failures.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(c *recorderConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewRecorder creates a session row and returns a recording wrapper
// around eng.
func NewRecorder(ctx context.Context, st *Store, eng audio.Engine, opts ...RecorderOption) (*Recorder, error) {
	cfg := recorderConfig{
		ids:    UUIDv7Generator{},
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sess := Session{
		ID:                cfg.ids.Generate(),
		Label:             cfg.label,
		RefreshIntervalMS: cfg.interval.Milliseconds(),
		StartedAt:         cfg.now(),
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	return &Recorder{
		engine:    eng,
		store:     st,
		sessionID: sess.ID,
		ids:       cfg.ids,
		logger:    cfg.logger.With("session", sess.ID),
	}, nil
}

// SessionID returns the id of the recorded session.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Active implements audio.Engine.
func (r *Recorder) Active(ctx context.Context) (bool, error) {
	return r.engine.Active(ctx)
}

// OnActiveChange implements audio.Engine.
func (r *Recorder) OnActiveChange(fn func(bool)) func() {
	return r.engine.OnActiveChange(fn)
}

// BroadcastFragments implements audio.Engine.
func (r *Recorder) BroadcastFragments(ctx context.Context, layout audio.Layout, interval time.Duration) error {
	r.mu.Lock()
	r.broadcastSeq++
	seq := r.broadcastSeq
	r.mu.Unlock()

	err := r.engine.BroadcastFragments(ctx, layout, interval)

	rec := BroadcastRecord{
		ID:         r.ids.Generate(),
		SessionID:  r.sessionID,
		Seq:        seq,
		IntervalMS: interval.Milliseconds(),
		ArenaSize:  layout.Size,
		Fragments:  layout.Fragments,
		Status:     StatusAcked,
	}
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
	}
	// The broadcast context may already be past its deadline.
	if werr := r.store.WriteBroadcast(context.WithoutCancel(ctx), rec); werr != nil {
		r.logger.Error("recording broadcast failed", "seq", seq, "error", werr)
	}

	return err
}

// OnBuffer implements audio.Engine.
func (r *Recorder) OnBuffer(fn func([]byte)) func() {
	return r.engine.OnBuffer(func(buf []byte) {
		r.mu.Lock()
		r.deliverySeq++
		seq := r.deliverySeq
		r.mu.Unlock()

		rec := DeliveryRecord{SessionID: r.sessionID, Seq: seq, Size: len(buf)}
		if err := r.store.WriteDelivery(context.Background(), rec); err != nil {
			r.logger.Error("recording delivery failed", "seq", seq, "error", err)
		}
		fn(buf)
	})
}

var _ audio.Engine = (*Recorder)(nil)
