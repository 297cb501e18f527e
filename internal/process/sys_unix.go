//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type signal = unix.Signal

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

// setProcessGroup puts the child in its own process group so the whole tree
// can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group led by pid, falling back to the
// process alone if the group cannot be signalled.
func signalGroup(pid int, sig signal) error {
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return err
	}
	return unix.Kill(pid, sig)
}

func isProcessGone(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

// Alive reports whether pid names a live (or zombie) process.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
