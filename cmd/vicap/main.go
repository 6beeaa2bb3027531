// Command vicap records Vicon motion and a robot log into one session.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/vicap/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
