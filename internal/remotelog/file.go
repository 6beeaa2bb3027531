package remotelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// filePoll is the fallback re-check interval for filesystems where fsnotify
// misses writes (network mounts, some container overlays).
const filePoll = 250 * time.Millisecond

// FileSource follows a local file the way tail -F does: it starts at the end
// of the file, picks up appended bytes, and reopens the path after rotation.
//
// It stands in for the SSH source when the log is on the capture host.
type FileSource struct {
	Path string

	// FromStart reads existing content on the first Open instead of seeking
	// to the end.
	FromStart bool

	mu     sync.Mutex
	last   os.FileInfo
	opened bool
}

// NewFileSource creates a source following path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Describe implements Source.
func (s *FileSource) Describe() string {
	return "file://" + s.Path
}

// Open implements Source. Reopening the same file starts at its current end,
// so lines appended while no stream was open are not read, matching the SSH
// follow. A rotated file is new and is read from its start.
func (s *FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("remotelog: open %s: %w", s.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("remotelog: stat %s: %w", s.Path, err)
	}

	s.mu.Lock()
	var start int64
	switch {
	case !s.opened && !s.FromStart:
		start = info.Size()
	case s.opened && s.last != nil && os.SameFile(s.last, info):
		start = info.Size()
	}
	s.opened = true
	s.last = info
	s.mu.Unlock()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("remotelog: seek %s: %w", s.Path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("remotelog: watch %s: %w", s.Path, err)
	}
	if err := w.Add(s.Path); err != nil {
		w.Close()
		f.Close()
		return nil, fmt.Errorf("remotelog: watch %s: %w", s.Path, err)
	}

	return &fileStream{src: s, f: f, w: w, offset: start, done: make(chan struct{})}, nil
}

type fileStream struct {
	src    *FileSource
	f      *os.File
	w      *fsnotify.Watcher
	offset int64

	once sync.Once
	done chan struct{}
}

// Read returns appended bytes, waiting for the file to grow. It returns
// io.EOF once the file is removed or renamed, so the caller reopens the path.
func (st *fileStream) Read(p []byte) (int, error) {
	poll := time.NewTimer(filePoll)
	defer poll.Stop()

	for {
		n, err := st.f.Read(p)
		if n > 0 {
			st.offset += int64(n)
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}

		if info, err := st.f.Stat(); err == nil && info.Size() < st.offset {
			// Truncated in place.
			if _, err := st.f.Seek(0, io.SeekStart); err != nil {
				return 0, err
			}
			st.offset = 0
			continue
		}

		select {
		case <-st.done:
			return 0, io.EOF
		case ev, ok := <-st.w.Events:
			if !ok {
				return 0, io.EOF
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				// Drain whatever was written before the rotation.
				if n, _ := st.f.Read(p); n > 0 {
					st.offset += int64(n)
							return n, nil
				}
				return 0, io.EOF
			}
		case err, ok := <-st.w.Errors:
			if !ok {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("remotelog: watch %s: %w", st.src.Path, err)
		case <-poll.C:
			poll.Reset(filePoll)
		}
	}
}

func (st *fileStream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		st.w.Close()
		err = st.f.Close()
	})
	return err
}
