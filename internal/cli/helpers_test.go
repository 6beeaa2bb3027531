package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/vicap/internal/config"
	"github.com/roach88/vicap/internal/record"
	"github.com/roach88/vicap/internal/store"
)

// fastConfig keeps reconnects quick and tags docking lines.
const fastConfig = `
remote:
  initial_interval: 1ms
  max_interval: 5ms
  max_retries: 0
capture:
  startup_timeout: 5s
  stop_timeout: 5s
events:
  - tag: dock
    pattern: "^docking"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// rawResponse mirrors CLIResponse with the payload left undecoded.
type rawResponse struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Error     *CLIError       `json:"error"`
	SessionID string          `json:"session_id"`
}

func decodeResponse(t *testing.T, b []byte, data any) rawResponse {
	t.Helper()
	var resp rawResponse
	require.NoError(t, json.Unmarshal(b, &resp), "output: %s", b)
	if data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp
}

// seedProject creates a session folder holding one closed session with two
// cart frames and two log lines, 10ms apart and interleaved.
func seedProject(t *testing.T, dataDir, name string, created time.Time) (*config.Project, string) {
	t.Helper()
	ctx := context.Background()

	p, err := config.NewProject(dataDir, name, created)
	require.NoError(t, err)
	st, err := store.Open(p.DatabasePath())
	require.NoError(t, err)
	defer st.Close()

	id := "session-" + name
	_, err = st.BeginSession(ctx, record.Session{
		ID:        id,
		Name:      name,
		StartedAt: created,
		Source:    record.SourceInfo{ViconAddr: "127.0.0.1:51001", RemoteHost: "robot:22", LogTarget: "/var/log/brain.log"},
	})
	require.NoError(t, err)

	at := func(ms int) record.Timestamp {
		d := time.Duration(ms) * time.Millisecond
		return record.Timestamp{Wall: created.Add(d), Mono: d}
	}
	require.NoError(t, st.WriteBatch(ctx, store.Batch{
		Motion: []record.MotionFrame{
			{SessionID: id, Seq: 1, Captured: at(10), FrameNumber: 100, Object: "cart", Translation: [3]float64{1000, 0, 0}, Valid: true},
			{SessionID: id, Seq: 2, Captured: at(30), FrameNumber: 102, Object: "cart"},
		},
		Logs: []record.LogRecord{
			{SessionID: id, Seq: 1, Captured: at(20), Line: "docking started", Message: "docking started", Tag: "dock"},
			{SessionID: id, Seq: 2, Captured: at(40), Line: "undocked", Message: "undocked", Partial: true},
		},
	}))
	require.NoError(t, st.CloseSession(ctx, id, record.StatusClosed, "", created.Add(time.Second)))
	return p, id
}
