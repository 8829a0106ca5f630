// ./main.go
package main

import (
	"github.com/curbpost/curbpost/cmd"
)

// main is the entry point for the curbpost backend.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles command-line parsing, configuration, and execution.
	cmd.Execute()
}
