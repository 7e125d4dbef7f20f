//go:build windows

package tools

import "os/exec"

func gracefulTerminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
