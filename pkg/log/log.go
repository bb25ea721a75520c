package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. It is usable before Init so
// package init code and tests get timestamped output on stdout.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config selects the root logger's level, encoding, and destination.
type Config struct {
	Level      string // zerolog level name; unknown or empty means info
	JSONOutput bool
	Output     io.Writer // nil means stdout
}

// Init rebuilds the root logger. Call once at process start, before any
// child loggers are derived.
func Init(cfg Config) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// scoped derives a child logger carrying one identifying field. Every
// subsystem logs through one of these so a task, executor, or user can
// be traced across components by a single field filter.
func scoped(field, value string) zerolog.Logger {
	return Logger.With().Str(field, value).Logger()
}

// WithComponent scopes a logger to a subsystem (storage, scheduler,
// api, executor) for the lifetime of that subsystem.
func WithComponent(component string) zerolog.Logger { return scoped("component", component) }

// WithNodeID scopes a logger to the physical node an executor runs on.
func WithNodeID(nodeID string) zerolog.Logger { return scoped("node_id", nodeID) }

// WithTaskID scopes a logger to one task's lifecycle.
func WithTaskID(taskID string) zerolog.Logger { return scoped("task_id", taskID) }

// WithExecutorID scopes a logger to one executor process.
func WithExecutorID(executorID string) zerolog.Logger { return scoped("executor_id", executorID) }

// WithUserID scopes a logger to one caller's requests.
func WithUserID(userID string) zerolog.Logger { return scoped("user_id", userID) }
