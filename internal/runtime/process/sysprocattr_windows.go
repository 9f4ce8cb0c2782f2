//go:build windows

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/Paintersrp/procsup/internal/runtime"
)

const (
	// SupportsHiddenWindow reports whether Hidden changes spawn behaviour.
	SupportsHiddenWindow = true
	// SupportsGroupDetach reports whether Detached moves the child out of the
	// supervisor's console and job.
	SupportsGroupDetach = true
)

func configureCmdSysProcAttr(cmd *exec.Cmd, spec runtime.LaunchSpec) {
	attr := &syscall.SysProcAttr{}
	if spec.Hidden {
		attr.HideWindow = true
		attr.CreationFlags |= windows.CREATE_NO_WINDOW
	}
	if spec.Detached {
		attr.CreationFlags |= windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP | windows.CREATE_BREAKAWAY_FROM_JOB
	} else {
		attr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
	}
	cmd.SysProcAttr = attr
}
