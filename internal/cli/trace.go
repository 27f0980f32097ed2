package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dawsync/internal/audio"
	"github.com/roach88/dawsync/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database  string
	SessionID string // empty lists sessions
	Failed    bool   // only failed broadcasts
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID                string    `json:"id"`
	Label             string    `json:"label,omitempty"`
	RefreshIntervalMS int64     `json:"refresh_interval_ms"`
	StartedAt         time.Time `json:"started_at"`
}

// BroadcastEntry is one recorded broadcast.
type BroadcastEntry struct {
	Seq        int64            `json:"seq"`
	ID         string           `json:"id"`
	IntervalMS int64            `json:"interval_ms"`
	ArenaSize  uint32           `json:"arena_size"`
	Fragments  []audio.Fragment `json:"fragments"`
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
}

// TraceResult holds the complete trace output for one session.
type TraceResult struct {
	Session    SessionSummary   `json:"session"`
	Broadcasts []BroadcastEntry `json:"broadcasts"`
	Deliveries []int            `json:"delivery_sizes"`
	Stats      TraceStats       `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Broadcasts    int    `json:"broadcasts"`
	Failed        int    `json:"failed"`
	Deliveries    int    `json:"deliveries"`
	LastArenaSize uint32 `json:"last_arena_size"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded sessions",
		Long: `Inspect sessions recorded by "dawsync run --db".

Without --session, lists every recorded session. With --session, shows
the broadcasts sent to the engine (layout, interval, outcome) and the
sizes of the buffers it delivered.

Examples:
  dawsync trace --db ./trace.db
  dawsync trace --db ./trace.db --session 0190d7a2-...
  dawsync trace --db ./trace.db --session 0190d7a2-... --failed --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id to trace (lists sessions when empty)")
	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "show only failed broadcasts")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	// store.Open creates missing databases; tracing one is a mistake.
	if _, err := os.Stat(opts.Database); err != nil {
		_ = formatter.Error(ErrCodeStore, fmt.Sprintf("database not found: %s", opts.Database), nil)
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.SessionID == "" {
		return listSessions(ctx, st, formatter)
	}

	sess, err := st.ReadSession(ctx, opts.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("session not found: %s", opts.SessionID), nil)
		return WrapExitError(ExitCommandError, "session not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read session", err)
	}

	broadcasts, err := st.ReadBroadcasts(ctx, sess.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read broadcasts", err)
	}
	deliveries, err := st.ReadDeliveries(ctx, sess.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read deliveries", err)
	}
	failed, err := st.CountFailures(ctx, sess.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count failures", err)
	}

	result := buildTrace(sess, broadcasts, deliveries, opts.Failed)
	result.Stats.Failed = failed

	if formatter.IsJSON() {
		return formatter.Success(result)
	}
	outputTraceText(formatter.Writer, result, opts.Verbose)
	return nil
}

func listSessions(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}

	summaries := make([]SessionSummary, len(sessions))
	for i, s := range sessions {
		summaries[i] = toSessionSummary(s)
	}
	if formatter.IsJSON() {
		return formatter.Success(summaries)
	}

	w := formatter.Writer
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}
	fmt.Fprintf(w, "Sessions (%d)\n", len(summaries))
	for _, s := range summaries {
		label := s.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "  %s  %s  refresh=%dms  %s\n",
			s.ID, s.StartedAt.UTC().Format(time.RFC3339), s.RefreshIntervalMS, label)
	}
	return nil
}

// buildTrace converts store records into the trace view. Stats count
// every broadcast even when onlyFailed filters the list.
func buildTrace(sess store.Session, broadcasts []store.BroadcastRecord, deliveries []store.DeliveryRecord, onlyFailed bool) TraceResult {
	result := TraceResult{
		Session:    toSessionSummary(sess),
		Broadcasts: []BroadcastEntry{},
		Deliveries: make([]int, len(deliveries)),
		Stats: TraceStats{
			Broadcasts: len(broadcasts),
			Deliveries: len(deliveries),
		},
	}

	for _, b := range broadcasts {
		result.Stats.LastArenaSize = b.ArenaSize
		if onlyFailed && b.Status != store.StatusFailed {
			continue
		}
		frags := b.Fragments
		if frags == nil {
			frags = []audio.Fragment{}
		}
		result.Broadcasts = append(result.Broadcasts, BroadcastEntry{
			Seq:        b.Seq,
			ID:         b.ID,
			IntervalMS: b.IntervalMS,
			ArenaSize:  b.ArenaSize,
			Fragments:  frags,
			Status:     b.Status,
			Error:      b.Error,
		})
	}
	for i, d := range deliveries {
		result.Deliveries[i] = d.Size
	}
	return result
}

func toSessionSummary(s store.Session) SessionSummary {
	return SessionSummary{
		ID:                s.ID,
		Label:             s.Label,
		RefreshIntervalMS: s.RefreshIntervalMS,
		StartedAt:         s.StartedAt,
	}
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Session: %s\n", result.Session.ID)
	if result.Session.Label != "" {
		fmt.Fprintf(w, "Label: %s\n", result.Session.Label)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Broadcasts")
	fmt.Fprintln(w, "----------")
	if len(result.Broadcasts) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, b := range result.Broadcasts {
		mark := "✓"
		if b.Status == store.StatusFailed {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s #%d size=%d interval=%dms fragments=%d\n",
			mark, b.Seq, b.ArenaSize, b.IntervalMS, len(b.Fragments))
		if verbose {
			for _, f := range b.Fragments {
				fmt.Fprintf(w, "      engine %d+%d -> arena %d\n", f.Offset, f.Length, f.Target)
			}
		}
		if b.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", b.Error)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Deliveries")
	fmt.Fprintln(w, "----------")
	fmt.Fprintf(w, "  %d buffer(s)", result.Stats.Deliveries)
	if verbose && len(result.Deliveries) > 0 {
		sizes := make([]string, len(result.Deliveries))
		for i, n := range result.Deliveries {
			sizes[i] = fmt.Sprint(n)
		}
		fmt.Fprintf(w, ": %s", strings.Join(sizes, " "))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Summary")
	fmt.Fprintln(w, "-------")
	fmt.Fprintf(w, "  Broadcasts: %d (%d failed)\n", result.Stats.Broadcasts, result.Stats.Failed)
	fmt.Fprintf(w, "  Deliveries: %d\n", result.Stats.Deliveries)
	fmt.Fprintf(w, "  Arena size: %d\n", result.Stats.LastArenaSize)
}
