//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sys/windows"
)

// setProcessGroup creates a new process group so the child tree can be
// terminated as a unit.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// KillTree force-kills pid and all of its children. Processes that are
// already gone are ignored.
func KillTree(pid int, _ time.Duration, _ <-chan struct{}) error {
	if pid <= 0 {
		return nil
	}
	// taskkill exits non-zero when the process no longer exists.
	_ = exec.Command("taskkill", "/pid", strconv.Itoa(pid), "/T", "/F").Run()
	return nil
}
