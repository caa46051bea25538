//go:build unix

package proc

import (
	"os/exec"
	"syscall"
)

func classifyWaitErr(waitErr error) ExitReason {
	if waitErr == nil {
		return ExitReason{Kind: ExitClean}
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return ExitReason{Kind: ExitNonzero, Code: -1}
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return ExitReason{Kind: ExitKilled, Signal: status.Signal().String()}
	}
	return ExitReason{Kind: ExitNonzero, Code: exitErr.ExitCode()}
}
