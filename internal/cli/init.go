package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rlog/internal/recoverylog"
)

// LogResult describes an open log. init, keypoint and units report it.
type LogResult struct {
	Name          string                 `json:"name"`
	Dir           string                 `json:"dir"`
	Units         int                    `json:"units"`
	TotalBytes    int64                  `json:"total_bytes"`
	ActiveFile    int                    `json:"active_file"`
	Capacity      int                    `json:"capacity"`
	ShutdownClean bool                   `json:"shutdown_clean"`
	UnitInfo      []recoverylog.UnitInfo `json:"unit_info,omitempty"`
}

// WriteText implements TextWriter.
func (r LogResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Log %s in %s\n", r.Name, r.Dir)
	fmt.Fprintf(w, "  active file: %d\n", r.ActiveFile)
	fmt.Fprintf(w, "  capacity:    %d bytes per file\n", r.Capacity)
	fmt.Fprintf(w, "  units:       %d (%d bytes)\n", r.Units, r.TotalBytes)
	_, err := fmt.Fprintf(w, "  last close:  %s\n", cleanWord(r.ShutdownClean))
	for _, u := range r.UnitInfo {
		fmt.Fprintf(w, "  unit %d scope=%s bytes=%d\n", u.ID, u.Scope, u.TotalBytes)
		for _, s := range u.Sections {
			fmt.Fprintf(w, "    section %d: %d items\n", s.ID, s.Items)
		}
	}
	return err
}

func cleanWord(clean bool) string {
	if clean {
		return "clean"
	}
	return "unclean"
}

func logResult(l *recoverylog.Log) (LogResult, error) {
	st, err := l.Stats()
	if err != nil {
		return LogResult{}, logExitError("failed to read log stats", err)
	}
	cfg := l.Config()
	return LogResult{
		Name:          l.Name(),
		Dir:           cfg.LogDir(),
		Units:         st.Units,
		TotalBytes:    st.TotalBytes,
		ActiveFile:    st.ActiveFile,
		Capacity:      st.Capacity,
		ShutdownClean: st.ShutdownClean,
	}, nil
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a log, or open and cleanly close an existing one",
		Long: `Open the configured log, creating both files on first use, and close it
cleanly. An existing log is recovered and keypointed on close.

Example:
  rlog init --dir /var/lib/rlog --server-name server1 \
    --service-name transaction --service-version 1 --log-name tranlog
  RLOG_DIR=/var/lib/rlog rlog init --config rlog.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLog(rootOpts, cmd, func(l *recoverylog.Log) (any, error) {
				return logResult(l)
			})
		},
	}
}

// withLog opens the configured log, runs fn, closes the log cleanly and
// reports fn's result.
func withLog(opts *RootOptions, cmd *cobra.Command, fn func(*recoverylog.Log) (any, error)) error {
	out := opts.formatter(cmd)
	f, err := loadSettings(opts, true)
	if err != nil {
		return out.Fail(err)
	}
	l, err := openLog(opts, f, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	out.VerboseLog("opened log %s", l.Name())

	result, err := fn(l)
	if err != nil {
		l.CloseImmediate()
		return out.Fail(err)
	}
	if err := l.Close(); err != nil {
		return out.Fail(logExitError("failed to close log", err))
	}
	return out.Success(result)
}
