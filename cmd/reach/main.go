// Command reach compiles and runs execution packs and manages their
// capsules.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/reach/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			// cobra usage errors (unknown flag, missing argument)
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(cli.ExitCommandError)
		}
		os.Exit(exitErr.Code)
	}
}
