package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/dawsync/internal/audio"
	"github.com/roach88/dawsync/internal/audio/sim"
	"github.com/roach88/dawsync/internal/buffer"
	"github.com/roach88/dawsync/internal/config"
	"github.com/roach88/dawsync/internal/loop"
	"github.com/roach88/dawsync/internal/region"
	"github.com/roach88/dawsync/internal/session"
	"github.com/roach88/dawsync/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database   string
	Label      string
	Duration   time.Duration
	PrintEvery int

	// IDs overrides the trace id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs store.IDGenerator
}

// RunSummary is printed when the run ends.
type RunSummary struct {
	SessionID  string `json:"session_id,omitempty"`
	Frames     int    `json:"frames"`
	Broadcasts uint64 `json:"broadcasts"`
	Failed     uint64 `json:"failed"`
	Buffers    uint64 `json:"buffers"`
	ArenaSize  uint32 `json:"arena_size"`
}

func (s RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run Summary: %d frames, %d broadcasts (%d failed), %d buffers, arena %d bytes",
		s.Frames, s.Broadcasts, s.Failed, s.Buffers, s.ArenaSize)
	if s.SessionID != "" {
		fmt.Fprintf(&b, "\nRecorded as session %s", s.SessionID)
	}
	return b.String()
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mirror the simulated engine's meters",
		Long: `Run a session against the simulated engine.

Every configured meter is subscribed, the engine is asked to mirror the
packed arena at the refresh interval, and a frame handler prints the
meter values read from the latest buffer.

With --db (or trace_db in the config) every broadcast and delivery is
recorded in SQLite for "dawsync trace".

Example:
  dawsync run --duration 2s
  dawsync run --config dawsync.cue --db ./trace.db --print-every 30`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record the session in this SQLite database")
	cmd.Flags().StringVar(&opts.Label, "label", "", "label stored with the recorded session")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().IntVar(&opts.PrintEvery, "print-every", 10, "print meter values every N frames (0 disables)")

	return cmd
}

func runSession(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.PrintEvery < 0 {
		return NewExitError(ExitCommandError, "--print-every must not be negative")
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg, opts.Verbose)

	// Signals and --duration both end the run through the same context.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	simEngine, err := sim.New(cfg.Sim.MemorySize, cfg.SimMeters(),
		sim.WithActive(true),
		sim.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create simulated engine", err)
	}

	var engine audio.Engine = simEngine
	summary := RunSummary{}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = cfg.TraceDB
	}
	if dbPath != "" {
		logger.Info("opening trace database", "path", dbPath)
		st, err := store.Open(dbPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()

		ids := opts.IDs
		if ids == nil {
			ids = store.UUIDv7Generator{}
		}
		rec, err := store.NewRecorder(ctx, st, simEngine,
			store.WithIDGenerator(ids),
			store.WithLabel(opts.Label),
			store.WithRefreshInterval(cfg.RefreshInterval()),
			store.WithLogger(logger),
		)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create trace session", err)
		}
		engine = rec
		summary.SessionID = rec.SessionID()
	}

	lp := loop.New(
		loop.WithFrameInterval(cfg.FrameInterval()),
		loop.WithLogger(logger),
	)
	sess := session.New(ctx, lp, engine,
		session.WithRefreshInterval(cfg.RefreshInterval()),
		session.WithAckTimeout(cfg.AckTimeout()),
		session.WithLogger(logger),
	)

	// Everything below runs before the loop goroutine starts; after that
	// the session belongs to the loop.
	meters := make([]meterReadout, len(cfg.Sim.Meters))
	for i, m := range cfg.Sim.Meters {
		meters[i] = meterReadout{meter: m, handle: sess.Subscribe(m.Offset, m.SubscribeLength())}
	}
	sess.AddFrameHandler(func(active bool) bool {
		if !active {
			formatter.Printf("engine inactive")
			return false
		}
		summary.Frames++
		if opts.PrintEvery > 0 && summary.Frames%opts.PrintEvery == 0 {
			formatter.Printf("frame %d: %s", summary.Frames, formatMeters(sess.Views(), meters))
		}
		return false
	})

	logger.Info("session starting",
		"meters", len(meters),
		"refresh_interval", cfg.RefreshInterval(),
		"frame_interval", cfg.FrameInterval(),
	)
	formatter.Printf("Session started with %d meter(s). Press Ctrl-C to stop.", len(meters))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lp.Run(gctx) })
	g.Go(func() error { return simEngine.Run(gctx) })

	err = g.Wait()
	sess.Close()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "session error", err)
	}

	stats := sess.Coalescer().Stats()
	summary.Broadcasts = stats.Requests
	summary.Failed = stats.Failed
	summary.Buffers = sess.Receiver().Generation()
	summary.ArenaSize = sess.Allocator().ArenaSize()

	logger.Info("session stopped", "frames", summary.Frames, "broadcasts", summary.Broadcasts)
	return formatter.Success(summary)
}

type meterReadout struct {
	meter  config.Meter
	handle region.Handle
}

// formatMeters renders "name=value" pairs. Values outside the current
// buffer print as "-".
func formatMeters(v buffer.Views, meters []meterReadout) string {
	parts := make([]string, len(meters))
	for i, m := range meters {
		value, err := readMeter(v, sim.Kind(m.meter.Kind), m.handle.Offset)
		if err != nil {
			parts[i] = m.meter.Name + "=-"
			continue
		}
		parts[i] = fmt.Sprintf("%s=%.4g", m.meter.Name, value)
	}
	return strings.Join(parts, " ")
}

func readMeter(v buffer.Views, kind sim.Kind, off uint32) (float64, error) {
	switch kind {
	case sim.KindInt32:
		n, err := v.Int32(off)
		return float64(n), err
	case sim.KindFloat32:
		f, err := v.Float32(off)
		return float64(f), err
	case sim.KindFloat64:
		return v.Float64(off)
	default:
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
}
