package process

import (
	"fmt"
	"time"
)

// KillOrphan terminates a process left behind by an earlier supervisor
// instance. The process is only touched if it is alive and still has the
// recorded start time; otherwise the PID now belongs to someone else and
// false is returned. Since the orphan is not our child it cannot be reaped,
// so death is detected by polling.
func KillOrphan(pid int, startTime int64, timeout time.Duration) (bool, error) {
	if pid <= 0 || startTime == 0 || !Alive(pid) {
		return false, nil
	}
	actual, err := StartTime(pid)
	if err != nil || actual != startTime {
		return false, nil
	}

	if err := signalGroup(pid, sigTerm); err != nil {
		if isProcessGone(err) {
			return true, nil
		}
		return false, fmt.Errorf("signalling orphan %d: %w", pid, err)
	}

	if waitGone(pid, startTime, timeout) {
		return true, nil
	}

	_ = signalGroup(pid, sigKill)
	if waitGone(pid, startTime, killWait) {
		return true, nil
	}
	return true, &TerminationError{Process: "orphan", PID: pid, Err: fmt.Errorf("still alive after SIGKILL")}
}

// waitGone polls until pid is gone or has been reused.
func waitGone(pid int, startTime int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if st, err := StartTime(pid); err != nil || st != startTime {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}
