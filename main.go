// Package main is the entry point for the Otus traffic observability agent.
package main

import (
	"fmt"
	"os"

	"github.com/otus-agent/otus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
