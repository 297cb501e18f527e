//go:build !linux && !darwin

package process

import "errors"

// StartTime is unsupported here; orphan cleanup is skipped without it.
func StartTime(pid int) (int64, error) {
	return 0, errors.New("process start time not available on this platform")
}
