// Command recoll runs, inspects and tests reactive collection services.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/recoll/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
