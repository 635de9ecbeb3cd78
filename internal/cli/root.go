package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables that override log settings,
// e.g. RLOG_SERVER_NAME.
const EnvPrefix = "RLOG"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // path to a YAML config file

	// settings layers flags over environment over the config file.
	settings *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Setting keys shared by flags, environment variables and the config file.
const (
	keyDir            = "dir"
	keyServerName     = "server-name"
	keyServiceName    = "service-name"
	keyServiceVersion = "service-version"
	keyLogName        = "log-name"
	keyInitialSizeKB  = "initial-size-kb"
	keyMaxSizeKB      = "max-size-kb"
	keyDisableMapping = "disable-mapping"
	keyVectoredWrites = "vectored-writes"
	keyLogLevel       = "log-level"
)

// NewRootCommand creates the root command for the rlog CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rlog",
		Short: "rlog - dual-file recovery log",
		Long: `Create, inspect and maintain crash-resilient recovery logs.

A recovery log is a pair of files in one directory. Settings come from
--config, then RLOG_* environment variables, then flags, each overriding
the one before.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVarP(&opts.Config, "config", "c", "", "path to a YAML config file")
	pf.String(keyDir, "", "directory holding the log directory")
	pf.String(keyServerName, "", "server owning the log")
	pf.String(keyServiceName, "", "service writing the log")
	pf.Int32(keyServiceVersion, 0, "service version")
	pf.String(keyLogName, "", "log name, also the log directory name")
	pf.Int(keyInitialSizeKB, 0, "initial file size in KB")
	pf.Int(keyMaxSizeKB, 0, "maximum file size in KB")
	pf.Bool(keyDisableMapping, false, "use buffered I/O instead of memory mapping")
	pf.Bool(keyVectoredWrites, false, "coalesce adjacent buffered writes when forcing")
	pf.String(keyLogLevel, "", "log level (debug|info|warn|error)")

	v := opts.viper()
	for _, key := range []string{
		keyDir, keyServerName, keyServiceName, keyServiceVersion, keyLogName,
		keyInitialSizeKB, keyMaxSizeKB, keyDisableMapping, keyVectoredWrites, keyLogLevel,
	} {
		_ = v.BindPFlag(key, pf.Lookup(key))
	}

	// Add subcommands
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewKeypointCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewUnitsCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// viper returns the settings store, creating it on first use so commands
// built without NewRootCommand still read the environment.
func (o *RootOptions) viper() *viper.Viper {
	if o.settings == nil {
		v := viper.New()
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		v.AutomaticEnv()
		o.settings = v
	}
	return o.settings
}

// formatter returns an OutputFormatter writing to the command's streams.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
