//go:build !unix

package procman

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func terminate(p *os.Process, _ bool) error {
	return p.Kill()
}

func signaledExitCode(*os.ProcessState) int {
	return ExitCodeUnknown
}
