// Package config loads dawsync settings.
//
// Settings are written in CUE (or JSON, which CUE accepts) and unified with
// an embedded #Config schema that carries every default. An empty input
// yields the defaults.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/dawsync/internal/audio/sim"
)

//go:embed schema.cue
var schemaSource []byte

// Config is the decoded configuration.
type Config struct {
	RefreshIntervalMS int    `json:"refresh_interval_ms"`
	FrameIntervalMS   int    `json:"frame_interval_ms"`
	AckTimeoutMS      int    `json:"ack_timeout_ms"`
	LogLevel          string `json:"log_level"`
	TraceDB           string `json:"trace_db"`
	Sim               Sim    `json:"sim"`
}

// Sim configures the simulated engine.
type Sim struct {
	MemorySize uint32  `json:"memory_size"`
	Meters     []Meter `json:"meters"`
}

// Meter is one simulated meter.
type Meter struct {
	Name   string `json:"name"`
	Offset uint32 `json:"offset"`
	Kind   string `json:"kind"`
	Length uint32 `json:"length"`
}

// Issue is one configuration problem, with a source position when CUE
// could attach one.
type Issue struct {
	Pos     token.Pos
	Message string
}

func (i Issue) String() string {
	if i.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", i.Pos.Filename(), i.Pos.Line(), i.Pos.Column(), i.Message)
	}
	return i.Message
}

// Error collects every Issue found in a configuration.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

// Default returns the schema defaults.
func Default() *Config {
	cfg, err := Parse("default.cue", nil)
	if err != nil {
		// The embedded schema is fixed at build time.
		panic(fmt.Sprintf("config: embedded defaults invalid: %v", err))
	}
	return cfg
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(path, data)
}

// Parse unifies src with the schema, fills defaults and validates the result.
// filename is used in error positions.
func Parse(filename string, src []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, toError(err)
	}

	value := def.Unify(user)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, toError(err)
	}

	var cfg Config
	if err := value.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the constraints CUE cannot express: every meter must fit
// in simulated memory and meters must not overlap.
func (c *Config) Validate() error {
	var issues []Issue
	type span struct {
		name       string
		start, end uint64
	}
	var spans []span

	for _, m := range c.Sim.Meters {
		width := sim.Kind(m.Kind).Size()
		if width == 0 {
			issues = append(issues, Issue{Message: fmt.Sprintf("meter %q: unknown kind %q", m.Name, m.Kind)})
			continue
		}
		length := m.SubscribeLength()
		if length < width {
			issues = append(issues, Issue{Message: fmt.Sprintf("meter %q: length %d shorter than %s", m.Name, length, m.Kind)})
			continue
		}
		end := uint64(m.Offset) + uint64(length)
		if end > uint64(c.Sim.MemorySize) {
			issues = append(issues, Issue{Message: fmt.Sprintf("meter %q: [%d, %d) outside memory_size %d",
				m.Name, m.Offset, end, c.Sim.MemorySize)})
			continue
		}
		valueEnd := uint64(m.Offset) + uint64(width)
		for _, s := range spans {
			if uint64(m.Offset) < s.end && s.start < valueEnd {
				issues = append(issues, Issue{Message: fmt.Sprintf("meter %q overlaps meter %q", m.Name, s.name)})
			}
		}
		spans = append(spans, span{name: m.Name, start: uint64(m.Offset), end: valueEnd})
	}

	if len(issues) > 0 {
		return &Error{Issues: issues}
	}
	return nil
}

// RefreshInterval is the interval requested from an active engine.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// FrameInterval is the redraw cadence of the loop.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.FrameIntervalMS) * time.Millisecond
}

// AckTimeout bounds each broadcast.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// SimMeters converts the configured meters for the simulator.
func (c *Config) SimMeters() []sim.Meter {
	out := make([]sim.Meter, len(c.Sim.Meters))
	for i, m := range c.Sim.Meters {
		out[i] = sim.Meter{Name: m.Name, Offset: m.Offset, Kind: sim.Kind(m.Kind)}
	}
	return out
}

// SubscribeLength is the number of bytes a widget subscribes for m.
func (m Meter) SubscribeLength() uint32 {
	if m.Length == 0 {
		return sim.Kind(m.Kind).Size()
	}
	return m.Length
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func toError(err error) error {
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := e.Path(); len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		issues = append(issues, Issue{Pos: e.Position(), Message: msg})
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Message: err.Error()})
	}
	return &Error{Issues: issues}
}
