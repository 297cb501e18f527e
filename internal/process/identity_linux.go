package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StartTime returns the process start time in clock ticks since boot
// (field 22 of /proc/<pid>/stat). Combined with the PID it identifies a
// process across PID reuse.
func StartTime(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}

	// comm (field 2) is parenthesised and may contain spaces
	s := string(data)
	closeIdx := strings.LastIndex(s, ")")
	if closeIdx < 0 || closeIdx+2 > len(s) {
		return 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	rest := strings.Fields(s[closeIdx+2:])
	// rest[0] is field 3, so field 22 is rest[19]
	const starttimeIdx = 19
	if len(rest) <= starttimeIdx {
		return 0, fmt.Errorf("malformed /proc/%d/stat: too few fields", pid)
	}
	st, err := strconv.ParseInt(rest[starttimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}
	return st, nil
}
