package main

import (
	"fmt"
	"os"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
