package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/rlog/internal/recoverylog"
)

// KeypointOptions holds flags for the keypoint command.
type KeypointOptions struct {
	*RootOptions
	ServiceData string // stored in the headers when set
	ResizeKB    int    // grow both files first when > 0
}

// NewKeypointCommand creates the keypoint command.
func NewKeypointCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeypointOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keypoint",
		Short: "Recover the log and compact it into the other file",
		Long: `Open the log, rewrite every live unit into the inactive file and make it
active. --service-data completes recovery with the given service data.

Example:
  rlog keypoint --config rlog.yaml
  rlog keypoint --config rlog.yaml --resize-kb 4096`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLog(rootOpts, cmd, func(l *recoverylog.Log) (any, error) {
				return runKeypoint(opts, cmd, l)
			})
		},
	}

	cmd.Flags().StringVar(&opts.ServiceData, "service-data", "", "service data to store")
	cmd.Flags().IntVar(&opts.ResizeKB, "resize-kb", 0, "grow both files to this size in KB first")

	return cmd
}

func runKeypoint(opts *KeypointOptions, cmd *cobra.Command, l *recoverylog.Log) (any, error) {
	if opts.ResizeKB > 0 {
		if err := l.Resize(opts.ResizeKB * 1024); err != nil {
			return nil, logExitError("failed to resize log", err)
		}
	}
	var err error
	if cmd.Flags().Changed("service-data") {
		err = l.RecoveryComplete([]byte(opts.ServiceData))
	} else {
		err = l.Keypoint()
	}
	if err != nil {
		return nil, logExitError("keypoint failed", err)
	}
	return logResult(l)
}
