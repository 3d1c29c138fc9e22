package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/haowen-xu/ml-gridengine-executor/internal/killer"
	"github.com/haowen-xu/ml-gridengine-executor/internal/ring"
	"github.com/haowen-xu/ml-gridengine-executor/internal/statusstore"
)

func newTestSupervisor(t *testing.T, command []string) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	rb := ring.New(4096)
	status := statusstore.New(filepath.Join(dir, "status.json"), dir, 0, nil)
	s := New(Config{Command: command, WorkDir: dir}, rb, status, zap.NewNop().Sugar())
	return s, dir
}

func TestExitedTransitionRecordsCodeAndSize(t *testing.T) {
	s, dir := newTestSupervisor(t, []string{"sh", "-c", "echo hello; exit 3"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "preexisting.txt"), []byte("12345"), 0o644))

	require.NoError(t, s.Start())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not reach terminal status in time")
	}

	snap := s.Status.Snapshot()
	require.Equal(t, statusstore.Exited, snap.Status)
	require.Equal(t, 3, *snap.ExitCode)
	require.GreaterOrEqual(t, *snap.WorkDirSize, int64(5))
}

func TestSignalledTransitionRecordsSignal(t *testing.T) {
	s, _ := newTestSupervisor(t, []string{"sh", "-c", "kill -TERM $$; sleep 5"})
	require.NoError(t, s.Start())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not reach terminal status in time")
	}

	snap := s.Status.Snapshot()
	require.Equal(t, statusstore.Signalled, snap.Status)
	require.NotNil(t, snap.ExitSignal)
}

func TestKillEscalatesAndReachesTerminal(t *testing.T) {
	s, _ := newTestSupervisor(t, []string{"sh", "-c", "trap '' TERM INT; sleep 30"})
	require.NoError(t, s.Start())

	snap := s.Kill(killer.Timeouts{First: 20 * time.Millisecond, Second: 20 * time.Millisecond, Final: 200 * time.Millisecond})
	require.True(t, snap.Status == statusstore.Signalled || snap.Status == statusstore.CannotKill)
}

func TestPythonUnbufferedDefaultIsApplied(t *testing.T) {
	env := mergeEnv(map[string]string{"FOO": "bar"})
	found := false
	for _, kv := range env {
		if kv == "PYTHONUNBUFFERED=1" {
			found = true
		}
	}
	require.True(t, found)
}

func TestPythonUnbufferedOverlayIsNotClobbered(t *testing.T) {
	env := mergeEnv(map[string]string{"PYTHONUNBUFFERED": "0"})
	found := false
	for _, kv := range env {
		if kv == "PYTHONUNBUFFERED=0" {
			found = true
		}
	}
	require.True(t, found)
}
