//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the command in its own process group so the whole
// tree can be signalled through the negative PID.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
}

// KillTree sends SIGTERM to the process group of pid and SIGKILL after grace
// if the group is still alive. The escalation is skipped once exited is
// closed, so a reaped pid is never signalled again. Processes that are
// already gone are ignored.
func KillTree(pid int, grace time.Duration, exited <-chan struct{}) error {
	if pid <= 0 {
		return nil
	}
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	if err := signalTree(pid, unix.SIGTERM); err != nil {
		return err
	}

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exited:
			return
		case <-timer.C:
		}
		if alive(pid) {
			_ = signalTree(pid, unix.SIGKILL)
		}
	}()
	return nil
}

// signalTree signals the group, falling back to the bare PID.
func signalTree(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	direct := unix.Kill(pid, sig)
	if direct == nil || errors.Is(direct, unix.ESRCH) {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return direct
}

func alive(pid int) bool {
	if unix.Kill(-pid, 0) == nil {
		return true
	}
	return unix.Kill(pid, 0) == nil
}
