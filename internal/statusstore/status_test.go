package statusstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetRunningThenExitedPersistsAtomically(t *testing.T) {
	dir := t.TempDir()
	statusFile := filepath.Join(dir, "status.json")

	var events []Snapshot
	s := New(statusFile, dir, 8080, func(snap Snapshot) {
		events = append(events, snap)
	})

	require.Equal(t, NotStarted, s.Snapshot().Status)

	s.SetRunning(time.Now(), 1234)
	require.False(t, s.IsTerminal())

	s.SetExited(time.Now(), 123, 42)
	require.True(t, s.IsTerminal())

	require.Len(t, events, 2)
	require.Equal(t, Running, events[0].Status)
	require.Equal(t, Exited, events[1].Status)
	require.Equal(t, 123, *events[1].ExitCode)
	require.EqualValues(t, 42, *events[1].WorkDirSize)

	raw, err := os.ReadFile(statusFile)
	require.NoError(t, err)

	var onDisk Snapshot
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Equal(t, Exited, onDisk.Status)
	eventData, err := json.Marshal(events[1])
	require.NoError(t, err)
	require.JSONEq(t, string(eventData), string(raw))
}

func TestSetSignalledAndCannotKill(t *testing.T) {
	s := New("", "/work", 0, nil)
	s.SetRunning(time.Now(), 1)
	s.SetSignalled(time.Now(), 9, 0)
	require.True(t, s.IsTerminal())
	require.Equal(t, Signalled, s.Snapshot().Status)
	require.Equal(t, 9, *s.Snapshot().ExitSignal)

	s2 := New("", "/work", 0, nil)
	s2.SetRunning(time.Now(), 1)
	s2.SetCannotKill("child still alive after SIGKILL", 0)
	require.True(t, s2.IsTerminal())
	require.Equal(t, CannotKill, s2.Snapshot().Status)
	require.Equal(t, "child still alive after SIGKILL", s2.Snapshot().Reason)
}

func TestWorkDirStringIsNotNormalized(t *testing.T) {
	// A trailing slash in the configured work dir must round-trip verbatim;
	// the store must never normalize it.
	s := New("", "/tmp/foo/work_dir/", 0, nil)
	require.Equal(t, "/tmp/foo/work_dir/", s.Snapshot().WorkDir)
}
