package remotelog

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	// ErrAuth marks a credential failure. It is never retried.
	ErrAuth = errors.New("remotelog: authentication failed")

	// ErrReconnectExhausted is returned by Run once the retry ceiling is hit.
	ErrReconnectExhausted = errors.New("remotelog: reconnect attempts exhausted")
)

// Source opens one continuous follow stream of a growing log.
//
// The returned stream yields appended bytes until the connection drops or
// the follow command exits, then returns an error or io.EOF. Closing the
// stream must unblock a pending Read. Open must return an error wrapping
// ErrAuth for credential failures so they are not retried.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)

	// Describe names the followed target for logs and the session record.
	Describe() string
}

// FollowFileCommand returns the remote command that follows path from its
// current end, surviving rotation.
func FollowFileCommand(path string) string {
	return "tail -n 0 -F " + shellQuote(path)
}

// FollowContainerCommand returns the remote command that follows a docker
// container's output from now, with docker's RFC 3339 timestamps.
func FollowContainerCommand(container string) string {
	return "docker logs --follow --timestamps --tail 0 " + shellQuote(container)
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-:@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
