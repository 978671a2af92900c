//go:build !windows

package process

import "os/exec"

// getShellCommand returns a shell command for Unix systems.
// The absolute path avoids a PATH lookup when Env is overridden.
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}
