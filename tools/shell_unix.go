//go:build !windows

package tools

import (
	"os/exec"
	"syscall"
)

func gracefulTerminate(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}
