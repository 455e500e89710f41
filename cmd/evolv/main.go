// Command evolv resolves experiment configuration and simulates page views.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/evolv/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
