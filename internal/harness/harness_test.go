package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vicap/internal/record"
	"github.com/roach88/vicap/internal/store"
	"github.com/roach88/vicap/internal/vicon"
)

func TestScenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_WithDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "session_data.db")
	sc := &Scenario{
		Name:        "file_backed",
		Description: "records into a database file",
		Flow: []Step{
			{Emit: []string{"boot ok", "idle"}},
			{Motion: &MotionStep{Objects: []string{"cart"}, Frames: 3, Rate: 200}},
		},
		Assertions: []Assertion{{Type: AssertStatus, Status: "closed"}},
	}

	result, err := Run(context.Background(), sc, WithDatabase(dbPath))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "scenario-0001", sessions[0].ID)
	assert.Equal(t, "file_backed", sessions[0].Name)
	assert.Equal(t, record.StatusClosed, sessions[0].Status)
	assert.Equal(t, "testutil://log", sessions[0].Source.LogTarget)

	counts, err := st.CountRecords(context.Background(), "scenario-0001")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Motion)
	assert.Equal(t, int64(2), counts.Logs)
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	sc := &Scenario{
		Name:        "wrong_expectations",
		Description: "asserts counts the flow does not produce",
		Flow:        []Step{{Emit: []string{"boot ok"}}},
		Assertions: []Assertion{
			{Type: AssertStatus, Status: "aborted"},
			{Type: AssertCount, Source: SourceLogs, Count: 2},
			{Type: AssertCount, Source: SourceLogs, Count: 1},
		},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "assertion 0 (status)")
	assert.Contains(t, result.Errors[1], "assertion 1 (count)")
	assert.Equal(t, "closed", result.Summary.Status)
}

func TestRun_EmitAfterDropFails(t *testing.T) {
	sc := &Scenario{
		Name:        "emit_after_drop",
		Description: "writes to a stream that no longer exists",
		Retry:       RetryPlan{MaxRetries: 0},
		Flow: []Step{
			{Drop: true},
			{AwaitEnd: true},
			{Emit: []string{"too late"}},
		},
		Assertions: []Assertion{{Type: AssertStatus, Status: "aborted"}},
	}

	_, err := Run(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow[2] emit")
}

func TestPose(t *testing.T) {
	objects := pose([]string{"cart", "gripper"}, 3, 0)
	require.Len(t, objects, 2)
	assert.Equal(t, "cart", objects[0].Name)
	assert.Equal(t, vicon.ItemObject, objects[1].ItemID)
	assert.Equal(t, [3]float64{1030, 500, 0}, objects[0].Translation)
	assert.Equal(t, [3]float64{1030, 1000, 0}, objects[1].Translation)
	assert.False(t, objects[0].Occluded())

	occluded := pose([]string{"cart"}, 50, 25)
	assert.True(t, occluded[0].Occluded())
	assert.False(t, pose([]string{"cart"}, 51, 25)[0].Occluded())
}
