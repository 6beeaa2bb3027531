package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var targetPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+@[a-zA-Z0-9_]+:[0-9]+$`)

// Target is an SSH destination given as user@host:port.
type Target struct {
	User string
	Host string
	Port int
}

// ParseTarget parses user@host:port. Host names are limited to letters,
// digits and underscores.
func ParseTarget(s string) (Target, error) {
	if !targetPattern.MatchString(s) {
		return Target{}, fmt.Errorf("invalid target %q: use user@host:port", s)
	}
	user, rest, _ := strings.Cut(s, "@")
	host, portStr, _ := strings.Cut(rest, ":")

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Target{}, fmt.Errorf("invalid target %q: port out of range", s)
	}
	return Target{User: user, Host: host, Port: port}, nil
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%s:%d", t.User, t.Host, t.Port)
}
