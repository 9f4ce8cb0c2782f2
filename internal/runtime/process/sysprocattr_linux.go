//go:build linux

package process

import (
	"os/exec"
	"syscall"

	"github.com/Paintersrp/procsup/internal/runtime"
)

const (
	// SupportsHiddenWindow reports whether Hidden changes spawn behaviour.
	SupportsHiddenWindow = false
	// SupportsGroupDetach reports whether Detached moves the child out of the
	// supervisor's session.
	SupportsGroupDetach = true
)

func configureCmdSysProcAttr(cmd *exec.Cmd, spec runtime.LaunchSpec) {
	if spec.Detached {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		return
	}
	// Attached children share their own group and die with the supervisor.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
}
