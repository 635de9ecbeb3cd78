package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/rlog/internal/recoverylog"
	"github.com/roach88/rlog/internal/sqllog"
)

// UnitsOptions holds flags for the units command.
type UnitsOptions struct {
	*RootOptions
	Database  string // SQLite recovery log instead of the file log
	ServiceID int
}

// SQLUnitsResult is the output of the units command for a SQLite log.
type SQLUnitsResult struct {
	Database string                 `json:"database"`
	Owner    string                 `json:"owner"`
	Units    []recoverylog.UnitInfo `json:"units"`
}

// WriteText implements TextWriter.
func (r SQLUnitsResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "SQL log %s owned by %s: %d units\n", r.Database, r.Owner, len(r.Units))
	for _, u := range r.Units {
		fmt.Fprintf(w, "  unit %d bytes=%d\n", u.ID, u.TotalBytes)
		for _, s := range u.Sections {
			fmt.Fprintf(w, "    section %d: %d items\n", s.ID, s.Items)
		}
	}
	return err
}

// NewUnitsCommand creates the units command.
func NewUnitsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UnitsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "units",
		Short: "Recover the log and list its units",
		Long: `Recover the log and list every unit with its sections.

With --db the units come from a SQLite recovery log; the command claims
ownership of that log for --server-name.

Example:
  rlog units --config rlog.yaml
  rlog units --db ./rlog.db --server-name server1 --log-name tranlog`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Database != "" {
				return runSQLUnits(opts, cmd)
			}
			return withLog(rootOpts, cmd, func(l *recoverylog.Log) (any, error) {
				result, err := logResult(l)
				if err != nil {
					return nil, err
				}
				units, err := l.Units(nil)
				if err != nil {
					return nil, logExitError("failed to list units", err)
				}
				for _, u := range units {
					result.UnitInfo = append(result.UnitInfo, u.Info())
				}
				return result, nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to a SQLite recovery log")
	cmd.Flags().IntVar(&opts.ServiceID, "service-id", 1, "service id of the SQLite log")

	return cmd
}

func runSQLUnits(opts *UnitsOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	// The SQL log lives in --db, so no directory is needed.
	f, err := resolveSettings(opts.RootOptions)
	if err != nil {
		return out.Fail(err)
	}
	if f.Log.ServerName == "" || f.Log.LogName == "" {
		return out.Fail(NewExitError(ExitCommandError, "--server-name and --log-name are required"))
	}
	logger, err := newLogger(opts.RootOptions, f.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}

	ctx := cmd.Context()
	l, err := sqllog.Open(ctx, sqllog.Options{
		Path:       opts.Database,
		LogName:    f.Log.LogName,
		ServerName: f.Log.ServerName,
		ServiceID:  opts.ServiceID,
		Logger:     logger,
	})
	if err != nil {
		return out.Fail(logExitError("failed to open SQL log", err))
	}
	defer func() {
		if closeErr := l.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	owner, err := l.Owner(ctx)
	if err != nil {
		return out.Fail(err)
	}
	result := SQLUnitsResult{Database: opts.Database, Owner: owner, Units: []recoverylog.UnitInfo{}}
	for _, u := range l.Units() {
		result.Units = append(result.Units, u.Info())
	}
	return out.Success(result)
}
