//go:build windows

package process

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// setSysProcAttr starts the child in a new process group without a console.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalGroup asks taskkill to end the process tree; force adds /F.
func signalGroup(pid int, force bool) error {
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	return exec.Command("taskkill", args...).Run()
}

// sweepGroup is a no-op: taskkill /T walks the tree from a live pid, and once
// the leader is reaped its pid may name an unrelated process.
func sweepGroup(int) {}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
