package main

// ============================================================================
// procjournal entry point
// 1. Registers the bundled process definitions
// 2. Builds and executes the CLI
// 3. Turns a top-level panic into a non-zero exit
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/procjournal/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI(cli.WithRegistry(processes()))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
