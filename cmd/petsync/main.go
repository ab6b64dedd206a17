// Command petsync runs the PetLink sync engine from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/petlink/core/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	cli.Version = Version
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
