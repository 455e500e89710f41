package harness

// Trace event types.
const (
	EventStep        = "step"
	EventActiveKeys  = "active_keys"
	EventInvoke      = "invoke"
	EventSettle      = "settle"
	EventConfirm     = "confirm"
	EventContaminate = "contaminate"
)

// TraceEvent is one observable action during a scenario.
type TraceEvent struct {
	Seq      int64    `json:"seq"`
	Type     string   `json:"type"`
	Step     string   `json:"step,omitempty"`
	Key      string   `json:"key,omitempty"`
	Run      int      `json:"run,omitempty"`
	Status   string   `json:"status,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Current  []string `json:"current,omitempty"`
	Previous []string `json:"previous,omitempty"`
}

// canonical returns the event as a tree for canonical JSON. Only the fields
// meaningful for the event type are included.
func (e TraceEvent) canonical() map[string]any {
	out := map[string]any{
		"seq":  e.Seq,
		"type": e.Type,
	}
	switch e.Type {
	case EventStep:
		out["step"] = e.Step
	case EventActiveKeys:
		out["current"] = append([]string{}, e.Current...)
		out["previous"] = append([]string{}, e.Previous...)
	case EventInvoke:
		out["key"] = e.Key
		out["run"] = e.Run
	case EventSettle:
		out["key"] = e.Key
		out["status"] = e.Status
	case EventContaminate:
		out["reason"] = e.Reason
	}
	return out
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion holds.
	Pass bool `json:"pass"`

	// Trace holds every recorded event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failure messages.
	Errors []string `json:"errors,omitempty"`

	// State is the final page view state: classes, active_keys, genome,
	// run_level, functions, confirmations, contaminations and beacons.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a failure message and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
