package harness

// Summary is the schedule-independent reduction of a finished session.
type Summary struct {
	Scenario   string           `json:"scenario"`
	SessionID  string           `json:"session_id"`
	Status     string           `json:"status"`
	Code       string           `json:"code,omitempty"`
	Motion     int64            `json:"motion_frames"`
	Occluded   int64            `json:"occluded_frames"`
	FirstFrame uint32           `json:"first_frame"`
	LastFrame  uint32           `json:"last_frame"`
	Objects    map[string]int64 `json:"objects"`
	Logs       int64            `json:"log_records"`
	Partials   int64            `json:"partial_lines"`
	Tags       map[string]int64 `json:"tags"`
	Lines      []string         `json:"lines"`
	Opens      int              `json:"opens"`
	Reconnects uint64           `json:"reconnects"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Summary Summary `json:"summary"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
