// Package main is the entry point for the edupilot CLI.
package main

import (
	"os"

	"github.com/edupilot/edupilot/cmd/edupilot/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
