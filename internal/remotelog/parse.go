package remotelog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ansiEscape = regexp.MustCompile(`\x1B[@-_][0-?]*[ -/]*[@-~]`)

	// 2024-07-25T13:59:50.007869000Z <rest>   (docker logs --timestamps)
	dockerPrefix = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?Z)\s+(.*)$`)

	// 2024-04-09 13:38:32.723 INFO  component: message   (Isaac)
	isaacLine = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3})\s+([A-Z]+)\s+(.*)$`)

	// [node-23] <rest>   (ros2 launch prefix)
	launchPrefix = regexp.MustCompile(`^\[([^\]\s]+)\]\s+(.*)$`)

	// 1721917209.672508050 INFO logger: message
	epochLine = regexp.MustCompile(`^(\d+\.\d+)\s+([A-Z]+)\s+(.*)$`)

	// [INFO] [1721917209.672508050] [logger]: message   (rcutils default console format)
	ros2Console = regexp.MustCompile(`^\[([A-Z]+)\]\s+\[(\d+\.\d+)\]\s+\[([^\]]+)\]:\s?(.*)$`)
)

const isaacLayout = "2006-01-02 15:04:05.000"

// DefaultLevel is assigned to continuation lines of a launch-prefixed stream,
// which carry no level of their own.
const DefaultLevel = "DEBUG"

// Parsed is the best-effort structure extracted from one log line.
type Parsed struct {
	Time    *time.Time
	Level   string
	Node    string
	Message string
	Tag     string

	// Structured is false when no known format matched; Message then holds
	// the ANSI-stripped line.
	Structured bool
}

// StripANSI removes terminal color and cursor escape sequences.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// TagRule maps a message pattern to an event tag.
type TagRule struct {
	Tag     string `mapstructure:"tag" yaml:"tag"`
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
}

type compiledRule struct {
	tag string
	re  *regexp.Regexp
}

// Parser extracts timestamps, levels and event tags from log lines.
// A Parser is immutable after construction and safe for concurrent use.
type Parser struct {
	rules []compiledRule
}

// NewParser compiles the tag rules. Rules are tried in order; the first
// match wins.
func NewParser(rules []TagRule) (*Parser, error) {
	p := &Parser{}
	for i, r := range rules {
		if r.Tag == "" {
			return nil, fmt.Errorf("tag rule %d: empty tag", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("tag rule %d (%s): %w", i, r.Tag, err)
		}
		p.rules = append(p.rules, compiledRule{tag: r.Tag, re: re})
	}
	return p, nil
}

// Parse extracts what it can from line. It never fails; unknown formats come
// back with Structured=false.
func (p *Parser) Parse(line string) Parsed {
	rest := strings.TrimSpace(StripANSI(line))
	var out Parsed

	if m := dockerPrefix.FindStringSubmatch(rest); m != nil {
		if t, err := time.Parse(time.RFC3339Nano, m[1]); err == nil {
			out.Time = &t
			out.Structured = true
		}
		rest = m[2]
	}

	switch {
	case isaacLine.MatchString(rest):
		m := isaacLine.FindStringSubmatch(rest)
		if out.Time == nil {
			if t, err := time.Parse(isaacLayout, m[1]); err == nil {
				out.Time = &t
			}
		}
		out.Level, out.Message = m[2], strings.TrimSpace(m[3])
		out.Structured = true

	case ros2Console.MatchString(rest):
		m := ros2Console.FindStringSubmatch(rest)
		if out.Time == nil {
			out.Time = parseEpoch(m[2])
		}
		out.Level, out.Node, out.Message = m[1], m[3], strings.TrimSpace(m[4])
		out.Structured = true

	case launchPrefix.MatchString(rest):
		m := launchPrefix.FindStringSubmatch(rest)
		out.Node = m[1]
		body := m[2]
		if e := epochLine.FindStringSubmatch(body); e != nil {
			if out.Time == nil {
				out.Time = parseEpoch(e[1])
			}
			out.Level, out.Message = e[2], strings.TrimSpace(e[3])
		} else {
			out.Level, out.Message = DefaultLevel, strings.TrimSpace(body)
		}
		out.Structured = true

	default:
		out.Message = rest
	}

	out.Tag = p.tag(out.Message)
	return out
}

func (p *Parser) tag(msg string) string {
	for _, r := range p.rules {
		if r.re.MatchString(msg) {
			return r.tag
		}
	}
	return ""
}

// parseEpoch converts "seconds.fraction" to a UTC time without going through
// float64, which would lose nanosecond precision.
func parseEpoch(s string) *time.Time {
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return nil
	}
	if len(fracStr) > 9 {
		fracStr = fracStr[:9]
	}
	fracStr += strings.Repeat("0", 9-len(fracStr))
	nsec, err := strconv.ParseInt(fracStr, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(sec, nsec).UTC()
	return &t
}
