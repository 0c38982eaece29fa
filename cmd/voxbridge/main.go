// Package main is the entry point for the voxbridge CLI.
//
// Usage:
//
//	voxbridge [flags] <command>
//
// Commands:
//
//	chat       - Run a console conversation through the agent bridge
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/voxbridge-ai/voxbridge/cmd/voxbridge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
