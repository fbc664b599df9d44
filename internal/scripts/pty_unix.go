//go:build !windows

package scripts

import (
	"errors"
	"io"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// runWithTerminal starts cmd attached to a new pty and copies everything it prints to out.
func runWithTerminal(cmd *exec.Cmd, out io.Writer) error {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	// reading the pty master fails with EIO once the child side is closed
	if _, err := io.Copy(out, f); err != nil && !errors.Is(err, syscall.EIO) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}
	return cmd.Wait()
}
