// ./main.go
package main

import (
	"github.com/xkilldash9x/websentry/cmd"
)

// main is the entry point for the WebSentry service.
func main() {
	// Execute handles command-line parsing, configuration, and signal-aware
	// execution of the selected command.
	cmd.Execute()
}
