// Command ml-gridengine-executor launches a single child program, captures
// its merged output, serves it over a long-polling HTTP endpoint, and
// reports lifecycle transitions to an operator-supplied callback URL.
//
// Startup resolves configuration, constructs the component graph, binds the
// HTTP listener, then spawns the child. A per-run UUID is attached to every
// log line so a run's log output can be correlated end to end.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haowen-xu/ml-gridengine-executor/internal/callback"
	"github.com/haowen-xu/ml-gridengine-executor/internal/config"
	"github.com/haowen-xu/ml-gridengine-executor/internal/httpapi"
	"github.com/haowen-xu/ml-gridengine-executor/internal/ring"
	"github.com/haowen-xu/ml-gridengine-executor/internal/statusstore"
	"github.com/haowen-xu/ml-gridengine-executor/internal/supervisor"
	"github.com/haowen-xu/ml-gridengine-executor/internal/watcher"
)

const callbackFlushDeadline = 5 * time.Second

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "ml-gridengine-executor:", err)
		os.Exit(1)
	}

	baseLogger, err := buildLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ml-gridengine-executor: failed to build logger:", err)
		os.Exit(1)
	}
	defer baseLogger.Sync()

	runID := uuid.NewString()
	logger := baseLogger.Sugar().With("run_id", runID)

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.Port)))
	if err != nil {
		logger.Errorw("failed to bind HTTP listener", "error", err)
		os.Exit(1)
	}
	actualPort := listener.Addr().(*net.TCPAddr).Port

	ringBuf := ring.New(cfg.BufferSize)

	dispatcher := callback.New(callback.Config{
		URL:      cfg.CallbackAPI,
		Token:    cfg.CallbackToken,
		MaxRetry: cfg.CallbackMaxRetry,
	}, logger.Named("callback"))

	statusStore := statusstore.New(cfg.StatusFile, cfg.WorkDir, actualPort, func(snap statusstore.Snapshot) {
		data, err := json.Marshal(snap)
		if err != nil {
			logger.Errorw("failed to marshal status for callback", "error", err)
			return
		}
		dispatcher.Enqueue(callback.StatusUpdatedEvent(data))
	})

	sup := supervisor.New(supervisor.Config{
		Command: cfg.Command,
		WorkDir: cfg.WorkDir,
		Env:     cfg.Env,
	}, ringBuf, statusStore, logger.Named("supervisor"))

	httpSrv := httpapi.New(ringBuf, statusStore, sup, cfg.KillTimeouts, logger.Named("httpapi"))
	go func() {
		if err := http.Serve(listener, httpSrv.Handler()); err != nil {
			logger.Warnw("HTTP server stopped", "error", err)
		}
	}()

	if cfg.WatchGenerated {
		w := watcher.New(cfg.WorkDir, dispatcher, logger.Named("watcher"))
		go w.Run(sup.Done())
	}

	if err := sup.Start(); err != nil {
		logger.Errorw("failed to start child", "error", err)
		os.Exit(1)
	}

	<-sup.Done()
	finalSnap := statusStore.Snapshot()
	logger.Infow("child reached terminal status", "status", finalSnap.Status)

	writeOutputFile(cfg.OutputFile, ringBuf, logger)

	if cfg.RunAfter != "" {
		runAfterScript(cfg.RunAfter, cfg.WorkDir, finalSnap, logger)
	}

	if cfg.NoExit {
		waitForExternalSignal(logger)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), callbackFlushDeadline)
	dispatcher.Flush(flushCtx)
	dispatcher.Stop(flushCtx)
	cancel()

	os.Exit(0)
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// writeOutputFile dumps the ring buffer's surviving contents to path,
// prefixing a discarded-bytes marker ("[<n> (<m>.2fM) bytes discarded]\n")
// whenever the buffer's capacity dropped earlier bytes.
func writeOutputFile(path string, rb *ring.Buffer, logger *zap.SugaredLogger) {
	if path == "" {
		return
	}
	// rb is already closed by the time the child reaches a terminal status,
	// so ReadFrom returns immediately regardless of the deadline argument.
	startOffset, data, _ := rb.ReadFrom(0, 1<<30, nil)

	var out []byte
	if startOffset > 0 {
		marker := fmt.Sprintf("[%d (%.2fM) bytes discarded]\n", startOffset, float64(startOffset)/1048576.0)
		out = append([]byte(marker), data...)
	} else {
		out = data
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		logger.Errorw("failed to write output file", "path", path, "error", err)
	}
}

func runAfterScript(command, workDir string, snap statusstore.Snapshot, logger *zap.SugaredLogger) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := append(os.Environ(),
		"ML_GRIDENGINE_PROGRAM_WORK_DIR="+workDir,
		"ML_GRIDENGINE_PROGRAM_EXIT_STATUS="+string(snap.Status),
	)
	if snap.ExitCode != nil {
		env = append(env, "ML_GRIDENGINE_PROGRAM_EXIT_CODE="+strconv.Itoa(*snap.ExitCode))
	}
	if snap.ExitSignal != nil {
		env = append(env, "ML_GRIDENGINE_PROGRAM_EXIT_SIGNAL="+strconv.Itoa(*snap.ExitSignal))
	}
	cmd.Env = env

	if err := cmd.Run(); err != nil {
		logger.Warnw("run-after command exited non-zero", "command", command, "error", err)
	}
}

func waitForExternalSignal(logger *zap.SugaredLogger) {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	logger.Infow("no-exit set, serving until external signal")
	<-sigC
	signal.Stop(sigC)
}
