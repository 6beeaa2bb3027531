package testutil

import (
	"bufio"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSource_EmitAndDrop(t *testing.T) {
	src := NewLogSource()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := src.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, src.WaitConnected(ctx))

	go func() {
		_ = src.Emit("alpha", "beta")
		src.Drop()
	}()

	scanner := bufio.NewScanner(rc)
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"alpha", "beta"}, got)
	assert.NoError(t, rc.Close())
}

func TestLogSource_WriteWithoutConnection(t *testing.T) {
	src := NewLogSource()

	_, err := src.Write([]byte("x\n"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLogSource_RefuseAndAllow(t *testing.T) {
	src := NewLogSource()
	refused := errors.New("connection refused")
	src.Refuse(refused)

	_, err := src.Open(context.Background())
	assert.ErrorIs(t, err, refused)

	src.Allow()
	rc, err := src.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, 2, src.Opens())
	assert.Equal(t, 1, src.Accepts())
}

func TestLogSource_ReaderCloseFailsWrites(t *testing.T) {
	src := NewLogSource()
	rc, err := src.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	_, err = src.Write([]byte("late\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestLogSource_WaitConnectedHonorsContext(t *testing.T) {
	src := NewLogSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, src.WaitConnected(ctx), context.Canceled)
}
