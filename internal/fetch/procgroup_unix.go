//go:build unix

package fetch

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// killGroup puts the tool in its own process group and makes cancellation kill the
// whole group, so merge helpers such as ffmpeg die with it.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
