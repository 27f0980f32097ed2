package harness

// TraceEvent is one observable thing that happened during a scenario.
// Detail is a compact human-readable rendering; golden files compare it
// verbatim.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// Trace event types.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventActivity    = "activity"
	EventBroadcast   = "broadcast"
	EventDeliver     = "deliver"
	EventPoke        = "poke"
	EventFrame       = "frame"
	EventHandler     = "handler"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists events in the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event.
func (r *Result) AddTrace(seq int64, typ, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Seq: seq, Type: typ, Detail: detail})
}
