package harness

// TraceEvent records one executed step and where the log stood after it.
type TraceEvent struct {
	Seq        int    `json:"seq"`
	Op         string `json:"op"`
	Unit       string `json:"unit,omitempty"`
	ID         int64  `json:"id,omitempty"`
	At         string `json:"at,omitempty"`
	Error      string `json:"error,omitempty"`
	ActiveFile int    `json:"active_file"`
	TotalBytes int64  `json:"total_bytes"`
}

// FinalState is the log after the last step.
type FinalState struct {
	ActiveFile    int         `json:"active_file"`
	TotalBytes    int64       `json:"total_bytes"`
	ShutdownClean bool        `json:"shutdown_clean"`
	ServiceData   string      `json:"service_data,omitempty"`
	Units         []UnitState `json:"units"`
}

// UnitState is one live unit in a FinalState.
type UnitState struct {
	Alias    string         `json:"alias"`
	ID       int64          `json:"id"`
	Scope    string         `json:"scope"`
	Sections []SectionState `json:"sections,omitempty"`
}

// SectionState is one section of a UnitState.
type SectionState struct {
	ID     int32    `json:"id"`
	Single bool     `json:"single,omitempty"`
	Items  []string `json:"items"`
}

// Result is the outcome of a scenario.
type Result struct {
	Scenario string `json:"scenario"`

	// Pass is true when every step behaved as expected and the final state
	// matched.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Final  *FinalState  `json:"final,omitempty"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Pass:     true,
		Trace:    []TraceEvent{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
