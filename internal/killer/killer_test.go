package killer

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKillReapedDuringFirstPhaseStopsEscalation(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	k := New(cmd.Process.Pid, Timeouts{First: 50 * time.Millisecond, Second: time.Minute, Final: time.Minute}, exited, zap.NewNop().Sugar())

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = cmd.Process.Kill()
	}()

	outcome := k.Kill()
	require.True(t, outcome.Reaped)
	require.False(t, outcome.CannotKill)
}

func TestKillIsIdempotentAcrossConcurrentCallers(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	k := New(cmd.Process.Pid, Timeouts{First: 20 * time.Millisecond, Second: 20 * time.Millisecond, Final: 20 * time.Millisecond}, exited, zap.NewNop().Sugar())

	results := make(chan Outcome, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- k.Kill() }()
	}

	for i := 0; i < 3; i++ {
		o := <-results
		require.True(t, o.Reaped || o.CannotKill)
	}
}

func TestPreExitedChildShortCircuits(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	exited := make(chan struct{})
	close(exited)

	k := New(cmd.Process.Pid, Timeouts{First: time.Minute, Second: time.Minute, Final: time.Minute}, exited, zap.NewNop().Sugar())
	outcome := k.Kill()
	require.True(t, outcome.Reaped)
}
