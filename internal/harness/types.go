package harness

// TraceEvent is one listener update observed while running a scenario.
type TraceEvent struct {
	Seq       int64  `json:"seq"`
	Statement string `json:"statement"`
	Time      int64  `json:"time"`
	EventType string `json:"event_type,omitempty"`
	Timer     string `json:"timer,omitempty"`
	Streams   []int  `json:"streams,omitempty"`
	Event     any    `json:"event,omitempty"`
}

// Incident is a failure reported by the runtime during a scenario.
type Incident struct {
	Type      string `json:"type"`
	Statement string `json:"statement,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Message   string `json:"message"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace contains all listener updates in delivery order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion and step failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	Incidents []Incident `json:"incidents,omitempty"`

	// Stats are runtime counters read after the last step.
	Stats Stats `json:"stats"`
}

// Stats mirrors the runtime counters.
type Stats struct {
	RoutedInternal   int64 `json:"routed_internal"`
	RoutedExternal   int64 `json:"routed_external"`
	EventsEvaluated  int64 `json:"events_evaluated"`
	FilterFaultDrops int64 `json:"filter_fault_drops"`
	CurrentTime      int64 `json:"current_time"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Labels returns the statement name of every trace event in order.
func (r *Result) Labels() []string {
	out := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		out[i] = ev.Statement
	}
	return out
}
