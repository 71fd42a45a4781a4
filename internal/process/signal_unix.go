//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the child in its own process group so signals reach
// bundlers spawned by the package manager.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM (or SIGKILL when force is set) to the group led
// by pid, falling back to the pid alone.
func signalGroup(pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		if perr := syscall.Kill(pid, sig); perr != nil && !errors.Is(perr, syscall.ESRCH) {
			return perr
		}
		return nil
	}
	return err
}

// sweepGroup kills whatever is left in the group led by pid after the leader
// has been reaped. The bare pid is never signaled since it may already
// belong to an unrelated process.
func sweepGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return -1
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}
