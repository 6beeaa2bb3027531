package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Redacted replaces secrets in written manifests.
const Redacted = "********"

// Manifest is the human-readable description of a session folder, written
// at start and rewritten with the outcome at the end.
type Manifest struct {
	Session   string     `yaml:"session"`
	SessionID string     `yaml:"session_id,omitempty"`
	Status    string     `yaml:"status"`
	Reason    string     `yaml:"reason,omitempty"`
	StartedAt time.Time  `yaml:"started_at"`
	EndedAt   *time.Time `yaml:"ended_at,omitempty"`
	Recorder  string     `yaml:"recorder_version"`
	Config    string     `yaml:"config_file,omitempty"`

	Files  ManifestFiles  `yaml:"files"`
	Vicon  ManifestVicon  `yaml:"vicon"`
	Remote ManifestRemote `yaml:"remote"`

	Counts *ManifestCounts `yaml:"counts,omitempty"`
}

// ManifestFiles names the artifacts in the folder.
type ManifestFiles struct {
	Database string `yaml:"database"`
	DebugLog string `yaml:"debug_log"`
}

// ManifestVicon records the motion source.
type ManifestVicon struct {
	Listen string `yaml:"listen"`
	Bound  string `yaml:"bound,omitempty"`
}

// ManifestRemote records the log source. Password is always redacted.
type ManifestRemote struct {
	Kind     string `yaml:"kind"` // file, docker, local
	Host     string `yaml:"host,omitempty"`
	User     string `yaml:"user,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Password string `yaml:"password,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	Target   string `yaml:"target"`
	Command  string `yaml:"command,omitempty"`
}

// ManifestCounts is filled in when the session ends.
type ManifestCounts struct {
	MotionFrames int64  `yaml:"motion_frames"`
	LogRecords   int64  `yaml:"log_records"`
	Dropped      uint64 `yaml:"dropped_frames"`
	Reconnects   uint64 `yaml:"reconnects"`
}

// Redact hides a secret; empty stays empty so the manifest shows whether
// one was configured.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	return Redacted
}

// WriteManifest writes m to path, replacing any previous version atomically.
func WriteManifest(path string, m Manifest) error {
	m.Remote.Password = Redact(m.Remote.Password)

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}
