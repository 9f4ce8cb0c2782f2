//go:build darwin

package proctable

import (
	"time"

	"golang.org/x/sys/unix"
)

func startTime(pid int) time.Time {
	info, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return time.Time{}
	}
	sec, nsec := info.Proc.P_starttime.Unix()
	return time.Unix(sec, nsec)
}
