//go:build windows

package lifecycle

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

type windowsSignaler struct{}

// SystemSignaler returns the platform Signaler. Windows asks the whole tree
// to close with taskkill and terminates members one by one when forced.
func SystemSignaler() Signaler {
	return windowsSignaler{}
}

// InterruptTree sends a close request to pid and its descendants.
func (windowsSignaler) InterruptTree(pid int) error {
	cmd := exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid))
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: windows.CREATE_NO_WINDOW}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskkill /T /PID %d: %w: %s", pid, err, out)
	}
	return nil
}

func (windowsSignaler) Interrupt(pid int) error {
	cmd := exec.Command("taskkill", "/PID", strconv.Itoa(pid))
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: windows.CREATE_NO_WINDOW}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("taskkill /PID %d: %w: %s", pid, err, out)
	}
	return nil
}

func (windowsSignaler) Kill(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE|windows.SYNCHRONIZE, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return fmt.Errorf("open process %d: %w", pid, ErrNoProcess)
		}
		return fmt.Errorf("open process %d: %w", pid, err)
	}
	defer windows.CloseHandle(h)
	if err := windows.TerminateProcess(h, 1); err != nil {
		return fmt.Errorf("terminate process %d: %w", pid, err)
	}
	return nil
}
