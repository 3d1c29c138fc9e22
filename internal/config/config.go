// Package config parses the executor's CLI flags and the small set of
// environment variables it reads directly, layering defaults the same way
// the supervisor layers the child's environment: inherit, override, default.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/haowen-xu/ml-gridengine-executor/internal/killer"
)

// Config holds every recognized CLI flag plus the env-var-derived knobs.
type Config struct {
	ServerHost     string
	Port           int
	OutputFile     string
	StatusFile     string
	CallbackAPI    string
	CallbackToken  string
	Env            map[string]string
	WorkDir        string
	RunAfter       string
	NoExit         bool
	WatchGenerated bool
	BufferSize     int
	Debug          bool

	Command []string

	CallbackMaxRetry int
	KillTimeouts     killer.Timeouts
}

// envList accumulates repeated --env=K=V flags.
type envList struct {
	values map[string]string
}

func (e *envList) String() string {
	return ""
}

func (e *envList) Set(raw string) error {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			e.values[raw[:i]] = raw[i+1:]
			return nil
		}
	}
	return fmt.Errorf("--env must be in K=V form, got %q", raw)
}

// Parse parses args (typically os.Args[1:]) into a Config, reading the
// documented environment variables as well. It returns an error on any
// malformed flag or a missing child argv so setup failures are caught before
// the child is ever spawned.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("ml-gridengine-executor", flag.ContinueOnError)

	cfg := &Config{Env: make(map[string]string)}
	envs := &envList{values: cfg.Env}

	fs.StringVar(&cfg.ServerHost, "server-host", "127.0.0.1", "HTTP bind host")
	fs.IntVar(&cfg.Port, "port", 0, "Bind port; 0 for ephemeral")
	fs.StringVar(&cfg.OutputFile, "output-file", "", "Path to write the ring buffer's live contents on terminal")
	fs.StringVar(&cfg.StatusFile, "status-file", "status.json", "Path for atomically-written status JSON")
	fs.StringVar(&cfg.CallbackAPI, "callback-api", "", "Target of callback POSTs")
	fs.StringVar(&cfg.CallbackToken, "callback-token", "", "Token sent as Authentication: TOKEN <base64>")
	fs.Var(envs, "env", "Repeatable K=V override for the child environment")
	fs.StringVar(&cfg.WorkDir, "work-dir", "./work_dir", "Child working directory (created if absent)")
	fs.StringVar(&cfg.RunAfter, "run-after", "", "Shell command executed after the child reaches a terminal status")
	fs.BoolVar(&cfg.NoExit, "no-exit", false, "Keep serving after child exit until external signal")
	fs.BoolVar(&cfg.WatchGenerated, "watch-generated", false, "Enable the generated-file watcher")
	fs.IntVar(&cfg.BufferSize, "buffer-size", 4*1024*1024, "RingBuffer capacity in bytes")
	fs.BoolVar(&cfg.Debug, "debug", false, "Use a development logger with debug-level output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Command = fs.Args()
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("missing child argv: pass the program to run after --")
	}

	cfg.CallbackMaxRetry = envInt("ML_GRIDENGINE_CALLBACK_MAX_RETRY", 3)
	cfg.KillTimeouts = killer.Timeouts{
		First:  envSeconds("ML_GRIDENGINE_KILL_PROGRAM_FIRST_WAIT_SECONDS", 10),
		Second: envSeconds("ML_GRIDENGINE_KILL_PROGRAM_SECOND_WAIT_SECONDS", 10),
		Final:  envSeconds("ML_GRIDENGINE_KILL_PROGRAM_FINAL_WAIT_SECONDS", 10),
	}

	return cfg, nil
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}
