package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vicap/internal/remotelog"
)

// Scenario scripts one recording session.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Retry sets how many reconnects the log reader may attempt.
	// Zero gives up on the first drop; negative never gives up.
	Retry RetryPlan `yaml:"retry,omitempty"`

	// Events tag log lines whose message matches a pattern.
	Events []remotelog.TagRule `yaml:"events,omitempty"`

	// Flow runs in order once both readers are up. When it ends with the
	// session still recording, the harness waits for every record to be
	// written and stops the session.
	Flow []Step `yaml:"flow"`

	// Assertions validate the finished session.
	// Supported types: status, code, count, log_contains, log_order
	Assertions []Assertion `yaml:"assertions"`
}

// RetryPlan bounds reconnect attempts. Backoff is always a millisecond.
type RetryPlan struct {
	MaxRetries int `yaml:"max_retries"`
}

// Step is one scripted event. Exactly one field is set.
type Step struct {
	// Emit prints complete lines on the current log stream.
	Emit []string `yaml:"emit,omitempty"`

	// Write sends raw text with no terminator added.
	Write string `yaml:"write,omitempty"`

	// Motion streams packets to the recorder's UDP socket.
	Motion *MotionStep `yaml:"motion,omitempty"`

	// Drop ends the log stream as a lost connection would. Records already
	// sent are written first.
	Drop bool `yaml:"drop,omitempty"`

	// Refuse makes reconnects fail with this message until Allow.
	Refuse string `yaml:"refuse,omitempty"`

	// Allow lets reconnects succeed again.
	Allow bool `yaml:"allow,omitempty"`

	// AwaitReconnect waits for the log reader to open a new stream.
	AwaitReconnect bool `yaml:"await_reconnect,omitempty"`

	// AwaitEnd waits for the session to end on its own.
	AwaitEnd bool `yaml:"await_end,omitempty"`
}

// MotionStep describes a burst of Vicon packets.
type MotionStep struct {
	Objects []string `yaml:"objects"`
	Frames  int      `yaml:"frames"`
	Rate    float64  `yaml:"rate"`

	// FirstFrame is the device frame number of the first packet.
	FirstFrame uint32 `yaml:"first_frame,omitempty"`

	// OccludeEvery zeroes every object's pose on frames whose index is a
	// multiple of this value. Zero never occludes.
	OccludeEvery int `yaml:"occlude_every,omitempty"`
}

// kind names the action a step performs, or "" if it sets none or several.
func (s Step) kind() string {
	var kinds []string
	if len(s.Emit) > 0 {
		kinds = append(kinds, "emit")
	}
	if s.Write != "" {
		kinds = append(kinds, "write")
	}
	if s.Motion != nil {
		kinds = append(kinds, "motion")
	}
	if s.Drop {
		kinds = append(kinds, "drop")
	}
	if s.Refuse != "" {
		kinds = append(kinds, "refuse")
	}
	if s.Allow {
		kinds = append(kinds, "allow")
	}
	if s.AwaitReconnect {
		kinds = append(kinds, "await_reconnect")
	}
	if s.AwaitEnd {
		kinds = append(kinds, "await_end")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion validates the finished session.
type Assertion struct {
	// Type specifies the assertion type:
	// - "status": session ended with Status
	// - "code": abort carried error Code ("" for a clean close)
	// - "count": a counter equals Count
	// - "log_contains": a stored log record has Line (and Partial, if set)
	// - "log_order": Lines are stored in this relative order
	Type string `yaml:"type"`

	// Status is "closed" or "aborted" (used by status).
	Status string `yaml:"status,omitempty"`

	// Code is an engine error code such as RECONNECT_EXHAUSTED (used by code).
	Code string `yaml:"code,omitempty"`

	// Source selects the counter (used by count): motion, occluded, logs,
	// partials, opens, reconnects, object or tag.
	Source string `yaml:"source,omitempty"`

	// Name is the object or tag name for the object and tag sources.
	Name string `yaml:"name,omitempty"`

	// Count is the expected counter value (used by count).
	Count int64 `yaml:"count"`

	// Line is the raw log text (used by log_contains).
	Line string `yaml:"line,omitempty"`

	// Partial, when set, must match the record's partial flag (used by
	// log_contains).
	Partial *bool `yaml:"partial,omitempty"`

	// Lines is the expected order (used by log_order).
	Lines []string `yaml:"lines,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus      = "status"
	AssertCode        = "code"
	AssertCount       = "count"
	AssertLogContains = "log_contains"
	AssertLogOrder    = "log_order"
)

// Count sources.
const (
	SourceMotion     = "motion"
	SourceOccluded   = "occluded"
	SourceLogs       = "logs"
	SourcePartials   = "partials"
	SourceOpens      = "opens"
	SourceReconnects = "reconnects"
	SourceObject     = "object"
	SourceTag        = "tag"
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

// ParseScenario decodes a scenario from YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	seen := make(map[string]string)
	for _, p := range paths {
		sc, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, ok := seen[sc.Name]; ok {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(p), sc.Name, prev)
		}
		seen[sc.Name] = filepath.Base(p)
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, r := range s.Events {
		if r.Tag == "" || r.Pattern == "" {
			return fmt.Errorf("events[%d]: tag and pattern are required", i)
		}
	}

	for i, step := range s.Flow {
		if step.kind() == "" {
			return fmt.Errorf("flow[%d]: exactly one action is required", i)
		}
		if m := step.Motion; m != nil {
			if len(m.Objects) == 0 {
				return fmt.Errorf("flow[%d].motion: objects is required", i)
			}
			if m.Frames <= 0 {
				return fmt.Errorf("flow[%d].motion: frames must be positive", i)
			}
			if m.Rate <= 0 {
				return fmt.Errorf("flow[%d].motion: rate must be positive", i)
			}
			if m.OccludeEvery < 0 {
				return fmt.Errorf("flow[%d].motion: occlude_every must be non-negative", i)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStatus:
		if a.Status != "closed" && a.Status != "aborted" {
			return fmt.Errorf("assertions[%d]: status must be closed or aborted, got %q", index, a.Status)
		}
	case AssertCode:
		// An empty code asserts a clean close.
	case AssertCount:
		switch a.Source {
		case SourceMotion, SourceOccluded, SourceLogs, SourcePartials, SourceOpens, SourceReconnects:
		case SourceObject, SourceTag:
			if a.Name == "" {
				return fmt.Errorf("assertions[%d]: name is required for %s counts", index, a.Source)
			}
		default:
			return fmt.Errorf("assertions[%d]: unknown count source %q", index, a.Source)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertLogContains:
		if a.Line == "" {
			return fmt.Errorf("assertions[%d]: line is required for log_contains", index)
		}
	case AssertLogOrder:
		if len(a.Lines) < 2 {
			return fmt.Errorf("assertions[%d]: log_order needs at least two lines", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
