// Package supervisor spawns and reaps a single child program: it composes
// the child's environment, captures its merged stdout/stderr into a ring
// buffer, and drives the terminal status transition exactly once, after both
// the output pipe has hit EOF and the process has been reaped.
package supervisor

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/haowen-xu/ml-gridengine-executor/internal/killer"
	"github.com/haowen-xu/ml-gridengine-executor/internal/ring"
	"github.com/haowen-xu/ml-gridengine-executor/internal/statusstore"
)

// Config describes the child program to launch.
type Config struct {
	Command []string
	WorkDir string
	Env     map[string]string
}

// Supervisor owns a single child process for the lifetime of the executor.
type Supervisor struct {
	cfg    Config
	logger *zap.SugaredLogger

	Ring   *ring.Buffer
	Status *statusstore.Store

	cmd *exec.Cmd
	pid int

	readerDone chan struct{}
	exited     chan struct{} // closed once cmd.Wait() returns
	termC      chan struct{} // closed once a terminal status has been recorded
	termOnce   sync.Once

	killerOnce sync.Once
	k          *killer.Killer
}

// New constructs a Supervisor. Start must be called once to launch the
// child.
func New(cfg Config, ringBuf *ring.Buffer, status *statusstore.Store, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		logger:     logger,
		Ring:       ringBuf,
		Status:     status,
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		termC:      make(chan struct{}),
	}
}

// Start creates the work directory, spawns the child as a new process group
// leader with merged stdout/stderr, and launches the background reader and
// reaper goroutines. It returns once the child has been successfully
// started (or the attempt has failed).
func (s *Supervisor) Start() error {
	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = mergeEnv(s.cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("start child: %w", err)
	}
	// The child has its own duplicated fds now; close our copy so the reader
	// sees EOF once the child (and anything it forked) has exited.
	pw.Close()

	s.cmd = cmd
	s.pid = cmd.Process.Pid

	if s.logger != nil {
		s.logger.Infow("child started", "pid", s.pid, "command", s.cfg.Command, "workDir", s.cfg.WorkDir)
	}
	s.Status.SetRunning(time.Now(), s.pid)

	go s.readLoop(pr)
	go s.reapLoop()

	return nil
}

// Done returns a channel closed once the executor has reached a terminal
// status (EXITED, SIGNALLED, or CANNOT_KILL).
func (s *Supervisor) Done() <-chan struct{} {
	return s.termC
}

func (s *Supervisor) readLoop(r *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.Ring.Append(buf[:n])
		}
		if err != nil {
			break
		}
	}
	_ = r.Close()
	close(s.readerDone)
}

func (s *Supervisor) reapLoop() {
	waitErr := s.cmd.Wait()
	close(s.exited)
	s.finalizeFromReap(waitErr)
}

// finalizeFromReap records the terminal status exactly once, only after both
// the reader and the reaper have observed completion.
func (s *Supervisor) finalizeFromReap(waitErr error) {
	<-s.readerDone
	s.termOnce.Do(func() {
		size := s.workDirSize()
		now := time.Now()

		switch {
		case waitErr == nil:
			s.Status.SetExited(now, 0, size)
		default:
			exitErr, ok := waitErr.(*exec.ExitError)
			if !ok {
				s.Status.SetExited(now, -1, size)
				break
			}
			ws, ok := exitErr.Sys().(syscall.WaitStatus)
			if !ok {
				s.Status.SetExited(now, exitErr.ExitCode(), size)
				break
			}
			if ws.Signaled() {
				s.Status.SetSignalled(now, int(ws.Signal()), size)
			} else {
				s.Status.SetExited(now, ws.ExitStatus(), size)
			}
		}

		s.Ring.Close()
		close(s.termC)
	})
}

// Kill engages the three-phase killer (constructing it on first call; later
// concurrent calls share the same in-flight operation) and blocks until the
// executor reaches a terminal status, returning the final snapshot.
func (s *Supervisor) Kill(timeouts killer.Timeouts) statusstore.Snapshot {
	s.killerOnce.Do(func() {
		s.k = killer.New(s.pid, timeouts, s.exited, s.logger)
	})

	outcome := s.k.Kill()
	if outcome.CannotKill {
		s.handleCannotKill()
	}

	<-s.termC
	return s.Status.Snapshot()
}

func (s *Supervisor) handleCannotKill() {
	select {
	case <-s.exited:
		// Reaped concurrently with the killer giving up; the reap path owns
		// the terminal transition.
		return
	default:
	}

	s.termOnce.Do(func() {
		size := s.workDirSize()
		s.Status.SetCannotKill("child still alive after SIGKILL", size)
		s.Ring.Close()
		close(s.termC)
	})
}

// workDirSize recursively sums the size of regular files under the work
// directory. Symlinks are not followed, matching the reference
// implementation's compute_fs_size behavior.
func (s *Supervisor) workDirSize() int64 {
	var total int64
	_ = filepath.WalkDir(s.cfg.WorkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

// mergeEnv layers the configured overlay on top of the parent's environment
// and applies the PYTHONUNBUFFERED=1 default when the caller hasn't set it.
func mergeEnv(overlay map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(overlay)+1)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range overlay {
		base[k] = v
	}
	if _, ok := base["PYTHONUNBUFFERED"]; !ok {
		base["PYTHONUNBUFFERED"] = "1"
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
