package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Files inside a session folder.
const (
	DatabaseFile = "session_data.db"
	DebugLogFile = "debug_session.log"
	ManifestFile = "session.yaml"
)

const folderTimeLayout = "2006-01-02_15-04-05"

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SafeName replaces every character outside [A-Za-z0-9_] with an underscore.
func SafeName(name string) string {
	safe := unsafeChars.ReplaceAllString(name, "_")
	if safe == "" {
		return "session"
	}
	return safe
}

// FolderName returns the session folder name for a session started at t.
func FolderName(name string, t time.Time) string {
	return t.UTC().Format(folderTimeLayout) + "_" + SafeName(name)
}

// Project is one session folder.
type Project struct {
	Name    string
	Dir     string
	Created time.Time
}

// NewProject creates the folder for a new session under dataDir.
func NewProject(dataDir, name string, now time.Time) (*Project, error) {
	safe := SafeName(name)
	dir := filepath.Join(dataDir, FolderName(safe, now))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session folder: %w", err)
	}
	return &Project{Name: safe, Dir: dir, Created: now.UTC().Truncate(time.Second)}, nil
}

// OpenProject resolves an existing session folder. path may be the folder
// or the database file inside it.
func OpenProject(path string) (*Project, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open session folder: %w", err)
	}
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}
	if _, err := os.Stat(filepath.Join(dir, DatabaseFile)); err != nil {
		return nil, fmt.Errorf("open session folder %s: %w", dir, err)
	}

	p := &Project{Dir: dir, Name: filepath.Base(dir)}
	if created, name, ok := ParseFolderName(filepath.Base(dir)); ok {
		p.Created, p.Name = created, name
	}
	return p, nil
}

// ParseFolderName splits a folder name produced by FolderName.
func ParseFolderName(base string) (created time.Time, name string, ok bool) {
	if len(base) < len(folderTimeLayout)+2 || base[len(folderTimeLayout)] != '_' {
		return time.Time{}, "", false
	}
	t, err := time.Parse(folderTimeLayout, base[:len(folderTimeLayout)])
	if err != nil {
		return time.Time{}, "", false
	}
	return t, base[len(folderTimeLayout)+1:], true
}

// DatabasePath returns the session database path.
func (p *Project) DatabasePath() string { return filepath.Join(p.Dir, DatabaseFile) }

// DebugLogPath returns the process log path.
func (p *Project) DebugLogPath() string { return filepath.Join(p.Dir, DebugLogFile) }

// ManifestPath returns the manifest path.
func (p *Project) ManifestPath() string { return filepath.Join(p.Dir, ManifestFile) }

// FindProjects returns the session folders under dataDir, oldest first.
// Folders without a database are skipped. A missing dataDir yields none.
func FindProjects(dataDir string) ([]*Project, error) {
	entries, err := os.ReadDir(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return []*Project{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	projects := []*Project{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p, err := OpenProject(filepath.Join(dataDir, e.Name()))
		if err != nil {
			continue
		}
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		return filepath.Base(projects[i].Dir) < filepath.Base(projects[j].Dir)
	})
	return projects, nil
}
