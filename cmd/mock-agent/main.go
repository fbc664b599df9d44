// Package main implements a mock agent binary that speaks the conductor boundary
// protocol over stdin/stdout. Point agent.executable at it for local testing.
package main

import (
	"os"

	"github.com/kandev/conductor/internal/agent/mockagent"
)

func main() {
	os.Exit(mockagent.Run(mockagent.EnvFromOS(), os.Stdin, os.Stdout, os.Stderr))
}
