package remotelog

import "bytes"

// DefaultMaxLineBytes bounds how much of an unterminated line is buffered.
const DefaultMaxLineBytes = 1 << 20

// Framer splits an arbitrarily fragmented byte stream into lines.
//
// Lines are terminated by '\n'; a trailing '\r' is removed so pty output
// (CRLF) frames the same as a plain pipe. Bytes after the last terminator are
// held until more data arrives or Flush is called.
type Framer struct {
	pending []byte
	maxLine int
	split   int // lines force-emitted because they exceeded maxLine
}

// NewFramer creates a framer. maxLine <= 0 selects DefaultMaxLineBytes.
func NewFramer(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Framer{maxLine: maxLine}
}

// Feed consumes p and returns every line it completes, in order.
func (f *Framer) Feed(p []byte) []string {
	var lines []string
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			f.pending = append(f.pending, p...)
			// An unterminated run longer than maxLine is emitted as its own
			// line so a stream without newlines cannot grow memory unbounded.
			if len(f.pending) >= f.maxLine {
				lines = append(lines, string(f.pending))
				f.pending = f.pending[:0]
				f.split++
			}
			break
		}

		var line []byte
		if len(f.pending) > 0 {
			f.pending = append(f.pending, p[:i]...)
			line = f.pending
		} else {
			line = p[:i]
		}
		lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
		f.pending = f.pending[:0]
		p = p[i+1:]
	}
	return lines
}

// Flush returns the buffered unterminated fragment, if any, and resets the
// framer for a new stream.
func (f *Framer) Flush() (string, bool) {
	if len(f.pending) == 0 {
		return "", false
	}
	s := string(bytes.TrimSuffix(f.pending, []byte{'\r'}))
	f.pending = f.pending[:0]
	if s == "" {
		return "", false
	}
	return s, true
}

// Pending returns the number of buffered bytes.
func (f *Framer) Pending() int {
	return len(f.pending)
}

// Split returns how many overlong lines were force-emitted.
func (f *Framer) Split() int {
	return f.split
}
