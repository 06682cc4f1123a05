package decision

import (
	"errors"
	"os"
	"syscall"
)

// SignalProber tests process liveness with signal 0, the existence-test
// idiom: sending it performs all error checking a real signal would without
// actually delivering anything.
type SignalProber struct{}

// Alive reports whether pid still exists. A permission error (process
// exists but owned by someone else) still counts as alive.
func (SignalProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
