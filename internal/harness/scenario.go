package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dawsync/internal/audio/sim"
)

// Scenario is a scripted run of a session against the fake engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// MemorySize is the fake engine's memory in bytes. Defaults to 1024.
	MemorySize int `yaml:"memory_size,omitempty"`

	// RefreshIntervalMS is the interval requested from an active engine.
	// Defaults to 33.
	RefreshIntervalMS int `yaml:"refresh_interval_ms,omitempty"`

	// Steps run in order on the loop goroutine.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action. Which fields apply depends on Op.
type Step struct {
	// Op is the step kind; see the Op* constants.
	Op string `yaml:"op"`

	// Label names a subscription handle or frame handler.
	Label string `yaml:"label,omitempty"`

	// Offset is an engine memory offset (subscribe, poke).
	Offset uint32 `yaml:"offset,omitempty"`

	// Length is the subscribed byte length (subscribe).
	Length uint32 `yaml:"length,omitempty"`

	// Kind is the numeric encoding (poke): int32, float32 or float64.
	Kind string `yaml:"kind,omitempty"`

	// Value is the number written (poke).
	Value float64 `yaml:"value,omitempty"`

	// Count repeats a frame step. Defaults to 1.
	Count int `yaml:"count,omitempty"`

	// ExpireAfter makes a handler return done on its Nth call (add_handler).
	// Zero means never.
	ExpireAfter int `yaml:"expire_after,omitempty"`

	// Fail makes the next broadcast fail with this message (fail_broadcast).
	Fail string `yaml:"fail,omitempty"`
}

// Step operations.
//
// subscribe, unsubscribe, add_handler and remove_handler only touch loop
// state; their deferred work runs at the next step that drains the loop
// (flush, activate, deactivate, deliver, frame), so consecutive ones
// coalesce exactly like calls made inside one task.
const (
	OpSubscribe     = "subscribe"
	OpUnsubscribe   = "unsubscribe"
	OpActivate      = "activate"
	OpDeactivate    = "deactivate"
	OpPoke          = "poke"
	OpDeliver       = "deliver"
	OpFrame         = "frame"
	OpAddHandler    = "add_handler"
	OpRemoveHandler = "remove_handler"
	OpFailBroadcast = "fail_broadcast"
	OpFlush         = "flush"
)

// Assertion checks final state. Which fields apply depends on Type.
type Assertion struct {
	// Type is the assertion kind; see the Assert* constants.
	Type string `yaml:"type"`

	// Label names a handle or handler.
	Label string `yaml:"label,omitempty"`

	// Size is the expected arena size (arena_size).
	Size *uint32 `yaml:"size,omitempty"`

	// Offset and Index are the expected handle fields (handle).
	Offset *uint32 `yaml:"offset,omitempty"`
	Index  *int    `yaml:"index,omitempty"`

	// Count is the expected number of broadcasts or handler calls.
	Count *int `yaml:"count,omitempty"`

	// IntervalMS and Fragments describe the expected last broadcast.
	IntervalMS *int       `yaml:"interval_ms,omitempty"`
	Fragments  []Fragment `yaml:"fragments,omitempty"`

	// Expect is the expected boolean (placeholder, active).
	Expect *bool `yaml:"expect,omitempty"`

	// Kind and Value describe an expected read through the views (read).
	Kind  string   `yaml:"kind,omitempty"`
	Value *float64 `yaml:"value,omitempty"`
}

// Fragment is the YAML form of audio.Fragment.
type Fragment struct {
	Offset uint32 `yaml:"offset"`
	Length uint32 `yaml:"length"`
	Target uint32 `yaml:"target"`
}

// Assertion types.
const (
	AssertArenaSize      = "arena_size"
	AssertHandle         = "handle"
	AssertBroadcastCount = "broadcast_count"
	AssertFailures       = "broadcast_failures"
	AssertLastBroadcast  = "last_broadcast"
	AssertPlaceholder    = "placeholder"
	AssertActive         = "active"
	AssertHandlerCalls   = "handler_calls"
	AssertRead           = "read"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.MemorySize < 0 {
		return fmt.Errorf("memory_size must be non-negative")
	}
	if s.RefreshIntervalMS < 0 {
		return fmt.Errorf("refresh_interval_ms must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	switch st.Op {
	case OpSubscribe:
		if st.Label == "" {
			return fmt.Errorf("steps[%d]: label is required for subscribe", index)
		}
		if st.Length == 0 {
			return fmt.Errorf("steps[%d]: length is required for subscribe", index)
		}
	case OpUnsubscribe, OpAddHandler, OpRemoveHandler:
		if st.Label == "" {
			return fmt.Errorf("steps[%d]: label is required for %s", index, st.Op)
		}
		if st.ExpireAfter < 0 {
			return fmt.Errorf("steps[%d]: expire_after must be non-negative", index)
		}
	case OpPoke:
		if kindSize(st.Kind) == 0 {
			return fmt.Errorf("steps[%d]: unknown kind %q for poke", index, st.Kind)
		}
	case OpFrame:
		if st.Count < 0 {
			return fmt.Errorf("steps[%d]: count must be non-negative", index)
		}
	case OpFailBroadcast:
		if st.Fail == "" {
			return fmt.Errorf("steps[%d]: fail message is required for fail_broadcast", index)
		}
	case OpActivate, OpDeactivate, OpDeliver, OpFlush:
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertArenaSize:
		if a.Size == nil {
			return fmt.Errorf("assertions[%d]: size is required for arena_size", index)
		}
	case AssertHandle:
		if a.Label == "" || a.Offset == nil || a.Index == nil {
			return fmt.Errorf("assertions[%d]: label, offset and index are required for handle", index)
		}
	case AssertBroadcastCount, AssertFailures:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	case AssertLastBroadcast:
		if a.IntervalMS == nil {
			return fmt.Errorf("assertions[%d]: interval_ms is required for last_broadcast", index)
		}
	case AssertPlaceholder, AssertActive:
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertHandlerCalls:
		if a.Label == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: label and count are required for handler_calls", index)
		}
	case AssertRead:
		if a.Label == "" || a.Value == nil || kindSize(a.Kind) == 0 {
			return fmt.Errorf("assertions[%d]: label, kind and value are required for read", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func kindSize(kind string) uint32 {
	return sim.Kind(kind).Size()
}
