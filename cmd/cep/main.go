// Command cep compiles statement modules, runs event scenarios against the
// runtime and inspects the incident journal.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/cepcore/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		// commands print their own ExitErrors
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
