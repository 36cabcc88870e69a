package main

import (
	"fmt"
	"os"

	"github.com/Ghabs95/nexus-core/cmd/nexus-orchestrator/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
