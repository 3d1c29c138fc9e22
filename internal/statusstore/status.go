// Package statusstore implements the executor's status record: a small
// finite state machine (NOT_STARTED -> RUNNING -> a terminal state) plus its
// atomic persistence to disk. Every mutation takes a single mutex, and
// readers get a consistent snapshot rather than racing on individual fields.
package statusstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is one of the five states the executor can be in.
type Status string

const (
	NotStarted Status = "NOT_STARTED"
	Running    Status = "RUNNING"
	Exited     Status = "EXITED"
	Signalled  Status = "SIGNALLED"
	CannotKill Status = "CANNOT_KILL"
)

// Snapshot is the JSON-serializable view of the current status, written to
// the status file and sent as the data payload of statusUpdated callbacks.
type Snapshot struct {
	Status       Status     `json:"status"`
	WorkDir      string     `json:"workDir"`
	ExecutorPort int        `json:"executor.port"`
	PID          int        `json:"pid,omitempty"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	StopTime     *time.Time `json:"stopTime,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	ExitSignal   *int       `json:"exitSignal,omitempty"`
	WorkDirSize  *int64     `json:"workDirSize,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// UpdateFunc is invoked with a callback whenever the store mutates; it is
// handed a copy of the new snapshot taken under the store's mutex, so the
// receiver never observes a half-written status. The copy shares its pointer
// fields with the store; the store never modifies a value once it points at it.
type UpdateFunc func(Snapshot)

// Store holds the current status, persists it atomically to a file on every
// mutation, and notifies a registered callback.
type Store struct {
	mu         sync.Mutex
	snap       Snapshot
	statusFile string
	onUpdate   UpdateFunc
}

// New creates a Store in NOT_STARTED state. statusFile may be empty, in
// which case mutations are never persisted to disk (still notified via
// onUpdate). onUpdate may be nil.
func New(statusFile, workDir string, port int, onUpdate UpdateFunc) *Store {
	s := &Store{
		statusFile: statusFile,
		onUpdate:   onUpdate,
		snap: Snapshot{
			Status:       NotStarted,
			WorkDir:      workDir,
			ExecutorPort: port,
		},
	}
	return s
}

// Snapshot returns a copy of the current status.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// SetRunning transitions NOT_STARTED -> RUNNING.
func (s *Store) SetRunning(startTime time.Time, pid int) {
	s.mu.Lock()
	s.snap.Status = Running
	s.snap.StartTime = &startTime
	s.snap.PID = pid
	s.mu.Unlock()
	s.persistAndNotify()
}

// SetExited transitions RUNNING -> EXITED.
func (s *Store) SetExited(stopTime time.Time, exitCode int, workDirSize int64) {
	s.mu.Lock()
	s.snap.Status = Exited
	s.snap.StopTime = &stopTime
	s.snap.ExitCode = &exitCode
	s.snap.WorkDirSize = &workDirSize
	s.mu.Unlock()
	s.persistAndNotify()
}

// SetSignalled transitions RUNNING -> SIGNALLED.
func (s *Store) SetSignalled(stopTime time.Time, signalNum int, workDirSize int64) {
	s.mu.Lock()
	s.snap.Status = Signalled
	s.snap.StopTime = &stopTime
	s.snap.ExitSignal = &signalNum
	s.snap.WorkDirSize = &workDirSize
	s.mu.Unlock()
	s.persistAndNotify()
}

// SetCannotKill transitions RUNNING -> CANNOT_KILL.
func (s *Store) SetCannotKill(reason string, workDirSize int64) {
	s.mu.Lock()
	s.snap.Status = CannotKill
	s.snap.Reason = reason
	s.snap.WorkDirSize = &workDirSize
	s.mu.Unlock()
	s.persistAndNotify()
}

// IsTerminal reports whether the current status is one from which no
// further transitions occur.
func (s *Store) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.snap.Status {
	case Exited, Signalled, CannotKill:
		return true
	default:
		return false
	}
}

func (s *Store) persistAndNotify() {
	snap := s.Snapshot()

	if s.statusFile != "" {
		if err := writeAtomic(s.statusFile, snap); err != nil {
			// The status file must never wedge the executor. Store has no
			// logger, so a failed write is neither logged nor retried: the
			// error is discarded and the update is still notified below.
			_ = err
		}
	}

	if s.onUpdate != nil {
		s.onUpdate(snap)
	}
}

// writeAtomic serializes snap to JSON and writes it to path via a
// temp-file-then-rename so readers never observe a partially written file.
func writeAtomic(path string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp status file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp status file: %w", err)
	}
	return nil
}
