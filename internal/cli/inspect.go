package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rlog/internal/logheader"
	"github.com/roach88/rlog/internal/logpair"
)

// HeaderInfo describes one file header.
type HeaderInfo struct {
	File           int              `json:"file"`
	Path           string           `json:"path"`
	Present        bool             `json:"present"`
	Valid          bool             `json:"valid"`
	Compatible     bool             `json:"compatible"`
	Version        int32            `json:"version,omitempty"`
	Status         logheader.Status `json:"status"`
	Timestamp      int64            `json:"timestamp,omitempty"`
	FirstSequence  int64            `json:"first_sequence,omitempty"`
	ServerName     string           `json:"server_name,omitempty"`
	ServiceName    string           `json:"service_name,omitempty"`
	ServiceVersion int32            `json:"service_version,omitempty"`
	LogName        string           `json:"log_name,omitempty"`
	CleanShutdown  bool             `json:"clean_shutdown"`
	ServiceData    int              `json:"service_data_bytes"`
}

// InspectResult is the output of the inspect command.
type InspectResult struct {
	Dir      string        `json:"dir"`
	Files    [2]HeaderInfo `json:"files"`
	Selected int           `json:"selected,omitempty"`
	Problem  string        `json:"problem,omitempty"`
}

// WriteText implements TextWriter.
func (r InspectResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Log directory: %s\n", r.Dir)
	for _, h := range r.Files {
		if !h.Present {
			fmt.Fprintf(w, "  file %d: absent\n", h.File)
			continue
		}
		fmt.Fprintf(w, "  file %d: %s timestamp=%d first_seq=%d clean=%t valid=%t compatible=%t\n",
			h.File, h.Status, h.Timestamp, h.FirstSequence, h.CleanShutdown, h.Valid, h.Compatible)
	}
	if r.Problem != "" {
		_, err := fmt.Fprintf(w, "No file can be recovered: %s\n", r.Problem)
		return err
	}
	_, err := fmt.Fprintf(w, "Recovery would use file %d\n", r.Selected)
	return err
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show both file headers and which file recovery selects",
		Long: `Read the headers of both log files without opening the log.

Nothing is written, so inspect is safe on a log another process owns.

Example:
  rlog inspect --dir /var/lib/rlog --log-name tranlog`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, cmd)
		},
	}
}

func runInspect(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	f, err := loadSettings(opts, false)
	if err != nil {
		return out.Fail(err)
	}

	result, err := inspectDir(f.Log.LogDir())
	if err != nil {
		return out.Fail(err)
	}
	if err := out.Success(result); err != nil {
		return err
	}
	if result.Problem != "" {
		return NewExitError(ExitFailure, result.Problem)
	}
	return nil
}

// inspectDir reads both headers in dir and runs file selection on them.
func inspectDir(dir string) (InspectResult, error) {
	headers, err := logpair.Inspect(dir)
	if err != nil {
		return InspectResult{}, WrapExitError(ExitCommandError, "failed to read headers", err)
	}
	if headers[0] == nil && headers[1] == nil {
		return InspectResult{}, NewExitError(ExitCommandError, fmt.Sprintf("no log in %s", dir))
	}

	p1, p2, _ := logpair.Paths(dir)
	result := InspectResult{Dir: dir}
	for i, path := range []string{p1, p2} {
		result.Files[i] = headerInfo(i+1, path, headers[i])
	}
	idx, err := logpair.Select(headers[0], headers[1])
	if err != nil {
		result.Problem = err.Error()
		return result, nil
	}
	result.Selected = idx + 1
	return result, nil
}

func headerInfo(file int, path string, h *logheader.Header) HeaderInfo {
	info := HeaderInfo{File: file, Path: path}
	if h == nil {
		return info
	}
	info.Present = true
	info.Valid = h.Valid()
	info.Compatible = h.Compatible()
	info.Status = h.Status
	if !info.Valid {
		return info
	}
	info.Version = h.Version
	info.Timestamp = h.Timestamp
	info.FirstSequence = h.FirstRecordSequence
	info.ServerName = h.ServerName
	info.ServiceName = h.ServiceName
	info.ServiceVersion = h.ServiceVersion
	info.LogName = h.LogName
	info.CleanShutdown = h.WasShutdownClean()
	info.ServiceData = len(h.ServiceData)
	return info
}
