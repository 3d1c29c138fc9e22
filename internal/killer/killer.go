// Package killer implements a three-phase signal-escalation protocol for
// terminating a supervised child: SIGINT, then SIGTERM, then SIGKILL, each
// sent to the child's whole process group with a bounded wait between
// phases. If the process group survives the final SIGKILL wait, the killer
// gives up and reports that the child could not be killed.
package killer

import (
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Phase identifies where the escalation state machine currently is.
type Phase int

const (
	Idle Phase = iota
	SentInt
	SentTerm
	SentKill
	Done
)

// Outcome is returned once the killer reaches a terminal state.
type Outcome struct {
	// Reaped is true if the child was observed exited, whether on its own or
	// after one of the signals (the supervisor distinguishes clean exit from
	// SIGNALLED based on the wait status).
	Reaped bool
	// CannotKill is true if the child was still alive after SIGKILL expired
	// its FINAL wait.
	CannotKill bool
}

// Timeouts configures the three escalation wait periods.
type Timeouts struct {
	First  time.Duration
	Second time.Duration
	Final  time.Duration
}

// Killer drives the escalation for a single child process group. It is
// idempotent and re-entrant: concurrent Kill calls share one in-flight
// operation.
type Killer struct {
	pid      int
	timeouts Timeouts
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	phase   Phase
	started bool
	done    chan struct{}
	outcome Outcome

	// exited is closed by the caller (the supervisor) once it has observed
	// the child exit via Wait(), regardless of whether the killer ever ran.
	exited chan struct{}
}

// New creates a Killer for the process group led by pid. exited must be
// closed by the caller once the child has been reaped.
func New(pid int, timeouts Timeouts, exited chan struct{}, logger *zap.SugaredLogger) *Killer {
	return &Killer{
		pid:      pid,
		timeouts: timeouts,
		exited:   exited,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Kill engages the escalation if it has not already started, then blocks
// until the child has exited, the escalation gives up (CANNOT_KILL), or the
// child was already observed exited before Kill was called. Safe to call
// concurrently; every caller observes the same Outcome.
func (k *Killer) Kill() Outcome {
	k.mu.Lock()
	alreadyStarted := k.started
	if !alreadyStarted {
		k.started = true
		k.phase = SentInt
	}
	k.mu.Unlock()

	if !alreadyStarted {
		go k.run()
	}

	<-k.done
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.outcome
}

func (k *Killer) run() {
	defer close(k.done)

	// A child already observed exited is never signalled.
	select {
	case <-k.exited:
		k.setPhase(Done)
		k.mu.Lock()
		k.outcome = Outcome{Reaped: true}
		k.mu.Unlock()
		return
	default:
	}

	signals := []struct {
		phase Phase
		sig   syscall.Signal
		wait  time.Duration
	}{
		{SentInt, syscall.SIGINT, k.timeouts.First},
		{SentTerm, syscall.SIGTERM, k.timeouts.Second},
		{SentKill, syscall.SIGKILL, k.timeouts.Final},
	}

	for _, step := range signals {
		k.setPhase(step.phase)
		k.signalGroup(step.sig)

		select {
		case <-k.exited:
			k.setPhase(Done)
			k.mu.Lock()
			k.outcome = Outcome{Reaped: true}
			k.mu.Unlock()
			return
		case <-time.After(step.wait):
		}
	}

	// SIGKILL's wait expired with no reap observed: give up.
	k.setPhase(Done)
	k.mu.Lock()
	k.outcome = Outcome{CannotKill: true}
	k.mu.Unlock()
	if k.logger != nil {
		k.logger.Errorw("child still alive after SIGKILL", "pid", k.pid)
	}
}

func (k *Killer) setPhase(p Phase) {
	k.mu.Lock()
	k.phase = p
	k.mu.Unlock()
}

// signalGroup sends sig to the whole process group lead by k.pid, falling
// back to signalling just the leader if the group lookup fails.
func (k *Killer) signalGroup(sig syscall.Signal) {
	pgid, err := syscall.Getpgid(k.pid)
	if err != nil {
		if k.logger != nil {
			k.logger.Warnw("falling back to signalling leader only", "pid", k.pid, "error", err)
		}
		_ = syscall.Kill(k.pid, sig)
		return
	}
	if k.logger != nil {
		k.logger.Infow("signalling process group", "pgid", pgid, "signal", sig.String())
	}
	_ = syscall.Kill(-pgid, sig)
}
