package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/rlog/internal/config"
	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/recoverylog"
)

// loadSettings resolves the configuration for a command. Commands that
// open the log for writing pass full, which validates the identity fields
// too; read-only commands need only a directory.
func loadSettings(opts *RootOptions, full bool) (*config.File, error) {
	f, err := resolveSettings(opts)
	if err != nil {
		return nil, err
	}
	if full {
		if err := f.Validate(); err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid settings", err)
		}
		return f, nil
	}
	if f.Log.Dir == "" || f.Log.LogName == "" {
		return nil, NewExitError(ExitCommandError, "--dir and --log-name are required")
	}
	return f, nil
}

// resolveSettings layers the config file, environment variables and flags.
// Values from the config file become defaults the other two override.
func resolveSettings(opts *RootOptions) (*config.File, error) {
	f := &config.File{}
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		f = loaded
	}

	v := opts.viper()
	v.SetDefault(keyDir, f.Log.Dir)
	v.SetDefault(keyServerName, f.Log.ServerName)
	v.SetDefault(keyServiceName, f.Log.ServiceName)
	v.SetDefault(keyServiceVersion, f.Log.ServiceVersion)
	v.SetDefault(keyLogName, f.Log.LogName)
	v.SetDefault(keyInitialSizeKB, f.Log.InitialSizeKB)
	v.SetDefault(keyMaxSizeKB, f.Log.MaxSizeKB)
	v.SetDefault(keyDisableMapping, f.Log.DisableMapping)
	v.SetDefault(keyVectoredWrites, f.Log.VectoredWrites)
	v.SetDefault(keyLogLevel, f.LogLevel)

	f.Log = recoverylog.Config{
		Dir:            v.GetString(keyDir),
		ServerName:     v.GetString(keyServerName),
		ServiceName:    v.GetString(keyServiceName),
		ServiceVersion: int32(v.GetInt(keyServiceVersion)),
		LogName:        v.GetString(keyLogName),
		InitialSizeKB:  v.GetInt(keyInitialSizeKB),
		MaxSizeKB:      v.GetInt(keyMaxSizeKB),
		DisableMapping: v.GetBool(keyDisableMapping),
		VectoredWrites: v.GetBool(keyVectoredWrites),
	}
	f.LogLevel = v.GetString(keyLogLevel)
	f.Normalize()
	return f, nil
}

// newLogger builds the slog logger for a command. --verbose forces debug.
func newLogger(opts *RootOptions, level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid log level %q", level))
	}
	if opts.Verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// openLog opens the configured log for writing.
func openLog(opts *RootOptions, f *config.File, errOut io.Writer) (*recoverylog.Log, error) {
	logger, err := newLogger(opts, f.LogLevel, errOut)
	if err != nil {
		return nil, err
	}
	l, err := recoverylog.New(f.Log, recoverylog.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid settings", err)
	}
	if err := l.Open(); err != nil {
		return nil, logExitError("failed to open log", err)
	}
	return l, nil
}

// logExitError maps a log error to an exit code. A log that cannot be
// trusted is a failure; anything else is a command error.
func logExitError(message string, err error) *ExitError {
	switch logerr.CodeOf(err) {
	case logerr.CodeCorrupted, logerr.CodeIncompatible, logerr.CodeFull, logerr.CodeWriteFailed:
		return WrapExitError(ExitFailure, message, err)
	}
	return WrapExitError(ExitCommandError, message, err)
}

// errorCode returns the CLI error code for err.
func errorCode(err error) string {
	var le *logerr.Error
	if errors.As(err, &le) {
		return "E_" + string(le.Code)
	}
	return "E_COMMAND"
}
