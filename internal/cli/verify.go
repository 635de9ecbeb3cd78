package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

// VerifyResult is the output of the verify command.
type VerifyResult struct {
	Selected   int     `json:"selected"`
	Records    int     `json:"records"`
	Tombstones int     `json:"tombstones"`
	LiveUnits  []int64 `json:"live_units"`
}

// WriteText implements TextWriter.
func (r VerifyResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "✓ file %d decodes: %d records, %d tombstones, %d live units\n",
		r.Selected, r.Records, r.Tombstones, len(r.LiveUnits))
	return err
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the log can be recovered",
		Long: `Run file selection and decode every record of the selected file,
without opening the log for writing.

Exit codes:
  0 - The log would recover
  1 - Selection or decoding failed
  2 - Command error (no log, bad settings)

Example:
  rlog verify --dir /var/lib/rlog --log-name tranlog`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd)
		},
	}
}

func runVerify(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	f, err := loadSettings(opts, false)
	if err != nil {
		return out.Fail(err)
	}

	inspected, err := inspectDir(f.Log.LogDir())
	if err != nil {
		return out.Fail(err)
	}
	if inspected.Problem != "" {
		return out.Fail(NewExitError(ExitFailure, inspected.Problem))
	}
	out.VerboseLog("selected file %d", inspected.Selected)

	dumped, err := dumpFile(f.Log.LogDir(), inspected.Selected)
	if err != nil {
		return out.Fail(err)
	}

	result := VerifyResult{Selected: inspected.Selected, Records: len(dumped.Records), LiveUnits: []int64{}}
	live := make(map[int64]bool)
	for _, rec := range dumped.Records {
		if rec.Deleted {
			result.Tombstones++
			delete(live, rec.UnitID)
			continue
		}
		live[rec.UnitID] = true
	}
	for id := range live {
		result.LiveUnits = append(result.LiveUnits, id)
	}
	slices.Sort(result.LiveUnits)
	return out.Success(result)
}
