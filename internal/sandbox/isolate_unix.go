//go:build unix && !linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func isolationSupported(mode string) error {
	switch mode {
	case IsolationDocker, IsolationNone:
		return nil
	case IsolationNetNS:
		return fmt.Errorf("netns isolation requires linux; use docker")
	default:
		return fmt.Errorf("unknown isolation mode %q", mode)
	}
}

func configureProcess(cmd *exec.Cmd, _ string) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if err == unix.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
