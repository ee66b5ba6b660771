//go:build unix

package procman

import (
	"os"
	"syscall"
)

// sysProcAttr puts the child in its own process group so the whole tree can be signalled
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	err := syscall.Kill(-p.Pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func signaledExitCode(state *os.ProcessState) int {
	if state == nil {
		return ExitCodeUnknown
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return ExitCodeUnknown
}
