package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vicap/internal/config"
	"github.com/roach88/vicap/internal/store"
)

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brain.log")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))
	return path
}

func onlyProject(t *testing.T, dataDir string) *config.Project {
	t.Helper()
	projects, err := config.FindProjects(dataDir)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	return projects[0]
}

func TestRecordLocalLog(t *testing.T) {
	dataDir := t.TempDir()
	logPath := writeLog(t, "boot ok\ndocking started\nundocked\n")

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewRecordCommand(&RootOptions{Format: "text", ConfigFile: writeConfig(t, fastConfig)})
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs([]string{"bench run",
		"--local-log", logPath, "--from-start",
		"--listen", "127.0.0.1:0",
		"--data-dir", dataDir,
		"--duration", "500ms",
	})

	require.NoError(t, cmd.Execute(), "stderr: %s", stderr.String())

	p := onlyProject(t, dataDir)
	assert.Equal(t, "bench_run", p.Name)
	assert.FileExists(t, p.DatabasePath())
	assert.FileExists(t, p.DebugLogPath())

	m, err := config.ReadManifest(p.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, "closed", m.Status)
	assert.Equal(t, "local", m.Remote.Kind)
	assert.Equal(t, logPath, m.Remote.Target)
	assert.NotEmpty(t, m.SessionID)
	assert.NotEmpty(t, m.Vicon.Bound)
	require.NotNil(t, m.EndedAt)
	require.NotNil(t, m.Counts)
	assert.Equal(t, int64(3), m.Counts.LogRecords)
	assert.Equal(t, int64(0), m.Counts.MotionFrames)

	st, err := store.Open(p.DatabasePath())
	require.NoError(t, err)
	defer st.Close()
	counts, err := st.CountRecords(context.Background(), m.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Logs)
	assert.Equal(t, map[string]int64{"dock": 1}, counts.Tags)

	assert.Contains(t, stdout.String(), "Session "+m.SessionID+" closed")
	assert.Contains(t, stderr.String(), "Recording session "+m.SessionID)

	debug, err := os.ReadFile(p.DebugLogPath())
	require.NoError(t, err)
	assert.NotEmpty(t, debug)
}

func TestRecordLocalLog_JSON(t *testing.T) {
	dataDir := t.TempDir()
	logPath := writeLog(t, "boot ok\n")

	stdout := &bytes.Buffer{}
	cmd := NewRecordCommand(&RootOptions{Format: "json", ConfigFile: writeConfig(t, fastConfig)})
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"bench",
		"--local-log", logPath, "--from-start",
		"--listen", "127.0.0.1:0",
		"--data-dir", dataDir,
		"--duration", "200ms",
	})

	require.NoError(t, cmd.Execute())

	var summary RecordSummary
	resp := decodeResponse(t, stdout.Bytes(), &summary)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, resp.SessionID, summary.Result.SessionID)
	assert.Equal(t, "closed", string(summary.Result.Status))
	assert.Equal(t, onlyProject(t, dataDir).Dir, summary.Folder)
}

func TestRecordStartupFailure(t *testing.T) {
	dataDir := t.TempDir()
	missing := filepath.Join(t.TempDir(), "absent.log")

	buf := &bytes.Buffer{}
	cmd := NewRecordCommand(&RootOptions{Format: "text", ConfigFile: writeConfig(t, fastConfig)})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"bench",
		"--local-log", missing,
		"--listen", "127.0.0.1:0",
		"--data-dir", dataDir,
	})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "session failed to start")

	m, err := config.ReadManifest(onlyProject(t, dataDir).ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, "aborted", m.Status)
	assert.NotEmpty(t, m.Reason)
}

func TestRecordRemoteNeedsDevice(t *testing.T) {
	dataDir := t.TempDir()

	buf := &bytes.Buffer{}
	cmd := NewRecordCommand(&RootOptions{Format: "text", ConfigFile: writeConfig(t, fastConfig)})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"bench", "--log-path", "/var/log/brain.log", "--data-dir", dataDir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "device.host")

	projects, err := config.FindProjects(dataDir)
	require.NoError(t, err)
	assert.Empty(t, projects, "no folder is created before the source is known")
}

func TestRecordBadTarget(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRecordCommand(&RootOptions{Format: "text", ConfigFile: writeConfig(t, fastConfig)})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"bench", "-t", "robot", "--container", "brain", "--data-dir", t.TempDir()})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid arguments")
}

func TestApplyRecordFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Device.LogPath = "/var/log/old.log"

	err := applyRecordFlags(cfg, &RecordOptions{
		Target:    "root@robot:2222",
		Container: "brain",
		Listen:    "127.0.0.1:0",
		DataDir:   "/srv/sessions",
	})
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.Device.User)
	assert.Equal(t, "robot", cfg.Device.Host)
	assert.Equal(t, 2222, cfg.Device.Port)
	assert.Empty(t, cfg.Device.LogPath)
	assert.Equal(t, "brain", cfg.Device.Container)
	assert.Equal(t, "127.0.0.1:0", cfg.Vicon.Listen)
	assert.Equal(t, "/srv/sessions", cfg.Data.Dir)
}

func TestBuildLogSource(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Host, cfg.Device.User, cfg.Device.Password = "robot", "root", "hunter2"

	t.Run("container", func(t *testing.T) {
		c := *cfg
		c.Device.Container = "brain"
		src, remote, err := buildLogSource(&c, &RecordOptions{})
		require.NoError(t, err)
		assert.Equal(t, "docker", remote.Kind)
		assert.Equal(t, "brain", remote.Target)
		assert.Contains(t, remote.Command, "docker logs")
		assert.Equal(t, "robot:22", remote.Host)
		assert.Contains(t, src.Describe(), "robot")
	})

	t.Run("command override", func(t *testing.T) {
		c := *cfg
		c.Device.LogPath = "/var/log/brain.log"
		c.Remote.Command = "journalctl -f"
		_, remote, err := buildLogSource(&c, &RecordOptions{})
		require.NoError(t, err)
		assert.Equal(t, "file", remote.Kind)
		assert.Equal(t, "journalctl -f", remote.Command)
	})

	t.Run("needs credentials", func(t *testing.T) {
		c := *cfg
		c.Device.Password = ""
		c.Device.LogPath = "/var/log/brain.log"
		_, _, err := buildLogSource(&c, &RecordOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key_file")
	})
}
