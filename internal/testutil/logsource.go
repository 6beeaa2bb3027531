package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrNotConnected is returned by LogSource writes while no stream is open.
var ErrNotConnected = errors.New("testutil: log source not connected")

// LogSource is a remotelog.Source driven by the test.
//
// Every accepted Open creates a fresh pipe; Emit writes lines into the
// current one, Drop ends it as a connection loss would, and Refuse makes
// later Opens fail until Allow is called.
type LogSource struct {
	mu      sync.Mutex
	cur     *io.PipeWriter
	refuse  error
	opens   int
	accepts int

	connected chan struct{}
}

// NewLogSource creates a source that accepts connections.
func NewLogSource() *LogSource {
	return &LogSource{connected: make(chan struct{}, 64)}
}

// Open implements remotelog.Source.
func (s *LogSource) Open(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	if s.refuse != nil {
		return nil, s.refuse
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	s.cur = pw
	s.accepts++
	select {
	case s.connected <- struct{}{}:
	default:
	}
	return pr, nil
}

// Describe implements remotelog.Source.
func (s *LogSource) Describe() string {
	return "testutil://log"
}

// Write sends raw bytes on the current stream. It blocks until the reader
// has consumed them.
func (s *LogSource) Write(p []byte) (int, error) {
	s.mu.Lock()
	w := s.cur
	s.mu.Unlock()
	if w == nil {
		return 0, ErrNotConnected
	}
	return w.Write(p)
}

// Emit writes each line followed by a newline.
func (s *LogSource) Emit(lines ...string) error {
	for _, l := range lines {
		if _, err := s.Write([]byte(l + "\n")); err != nil {
			return err
		}
	}
	return nil
}

// Drop ends the current stream; the reader sees io.EOF.
func (s *LogSource) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
}

// Refuse makes subsequent Opens fail with err.
func (s *LogSource) Refuse(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = err
}

// Allow lets subsequent Opens succeed again.
func (s *LogSource) Allow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = nil
}

// Opens returns the number of Open calls, successful or not.
func (s *LogSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Accepts returns the number of successful Opens.
func (s *LogSource) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// WaitConnected blocks until the next successful Open, or ctx ends.
func (s *LogSource) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
