// Command rlog creates, inspects and maintains recovery logs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/rlog/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rlog: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
