package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/logpair"
	"github.com/roach88/rlog/internal/recoverylog"
	"github.com/roach88/rlog/internal/scope"
)

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	*RootOptions
	File int // 1 or 2; 0 selects the file recovery would use
}

// DumpResult is the output of the dump command.
type DumpResult struct {
	Path    string                     `json:"path"`
	Header  HeaderInfo                 `json:"header"`
	Records []recoverylog.DumpedRecord `json:"records"`
}

// WriteText implements TextWriter.
func (r DumpResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "%s: %s, first_seq=%d, %d records\n", r.Path, r.Header.Status, r.Header.FirstSequence, len(r.Records))
	for _, rec := range r.Records {
		if rec.Deleted {
			fmt.Fprintf(w, "  seq=%d offset=%d unit=%d scope=%s DELETED\n", rec.Seq, rec.Offset, rec.UnitID, rec.Scope)
			continue
		}
		fmt.Fprintf(w, "  seq=%d offset=%d unit=%d scope=%s\n", rec.Seq, rec.Offset, rec.UnitID, rec.Scope)
		for _, s := range rec.Sections {
			kind := "multi"
			if s.Single {
				kind = "single"
			}
			fmt.Fprintf(w, "    section %d (%s): %s\n", s.ID, kind, strings.Join(s.Items, " "))
		}
	}
	return nil
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Decode every record of a log file",
		Long: `Decode the records of one log file in replay order.

Items are printed as hex. By default the file recovery would select is
dumped; --file picks one explicitly, which also works when selection fails.

Example:
  rlog dump --dir /var/lib/rlog --log-name tranlog
  rlog dump --dir /var/lib/rlog --log-name tranlog --file 2 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.File, "file", 0, "file to dump (1 or 2, default: selected)")

	return cmd
}

func runDump(opts *DumpOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	if opts.File < 0 || opts.File > 2 {
		return out.Fail(NewExitError(ExitCommandError, fmt.Sprintf("--file must be 1 or 2, got %d", opts.File)))
	}
	f, err := loadSettings(opts.RootOptions, false)
	if err != nil {
		return out.Fail(err)
	}

	file := opts.File
	if file == 0 {
		inspected, err := inspectDir(f.Log.LogDir())
		if err != nil {
			return out.Fail(err)
		}
		if inspected.Problem != "" {
			return out.Fail(NewExitError(ExitFailure, inspected.Problem))
		}
		file = inspected.Selected
	}

	result, err := dumpFile(f.Log.LogDir(), file)
	if err != nil {
		return out.Fail(err)
	}
	return out.Success(result)
}

func dumpFile(dir string, file int) (DumpResult, error) {
	p1, p2, _ := logpair.Paths(dir)
	path := p1
	if file == 2 {
		path = p2
	}
	h, records, err := recoverylog.ReadFile(path, scope.ServerCodec{})
	if err != nil {
		return DumpResult{}, logExitError("failed to decode "+path, logerr.E(logerr.CodeCorrupted, "dump", err))
	}
	if records == nil {
		records = []recoverylog.DumpedRecord{}
	}
	return DumpResult{Path: path, Header: headerInfo(file, path, h), Records: records}, nil
}
