//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

type signal int

// Platforms without POSIX signals can only kill outright.
const (
	sigTerm signal = iota
	sigKill
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(pid int, _ signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func isProcessGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

// Alive reports whether pid names a live process.
func Alive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
