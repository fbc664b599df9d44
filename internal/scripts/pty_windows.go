//go:build windows

package scripts

import (
	"io"
	"os/exec"
)

// runWithTerminal runs cmd with plain pipes; Windows has no pty here.
func runWithTerminal(cmd *exec.Cmd, out io.Writer) error {
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}
