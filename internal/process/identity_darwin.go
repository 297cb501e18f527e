package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StartTime returns the process start time in Unix seconds, read via sysctl.
func StartTime(pid int) (int64, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return 0, fmt.Errorf("sysctl kern.proc.pid.%d: %w", pid, err)
	}
	if kp.Proc.P_pid != int32(pid) {
		return 0, fmt.Errorf("no process with pid %d", pid)
	}
	return kp.Proc.P_starttime.Sec, nil
}
