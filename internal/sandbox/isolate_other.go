//go:build !unix

package sandbox

import (
	"fmt"
	"os/exec"
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

// configureProcess relies on exec's default Cancel, which kills the direct
// child only.
func configureProcess(_ *exec.Cmd, _ string) error { return nil }
