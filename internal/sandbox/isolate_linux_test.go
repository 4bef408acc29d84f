//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// requireUserNamespaces skips when the host forbids unprivileged user and
// network namespaces, as many CI containers do.
func requireUserNamespaces(t *testing.T) {
	t.Helper()
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:  unix.CLONE_NEWUSER | unix.CLONE_NEWNET,
		UidMappings: []syscall.SysProcIDMap{{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1}},
	}
	if err := cmd.Run(); err != nil {
		t.Skipf("user namespaces unavailable: %v", err)
	}
}

func TestNetNSLeavesOnlyLoopback(t *testing.T) {
	requireUserNamespaces(t)
	hostNS, err := os.Readlink("/proc/self/ns/net")
	require.NoError(t, err)

	r := newTestRunner(t, func(c *Config) {
		c.Isolation = IsolationNetNS
		c.Command = []string{"sh", "-c", "readlink /proc/self/ns/net; cat /proc/net/dev"}
	})
	res, err := r.Execute(context.Background(), Job{ID: "netns", Content: validFMU(t)})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(res.Output)), "\n")
	require.Greater(t, len(lines), 3, string(res.Output))
	assert.NotEqual(t, hostNS, strings.TrimSpace(lines[0]))

	// /proc/net/dev has two header lines before one line per interface.
	var ifaces []string
	for _, line := range lines[3:] {
		name, _, ok := strings.Cut(line, ":")
		if ok {
			ifaces = append(ifaces, strings.TrimSpace(name))
		}
	}
	assert.Equal(t, []string{"lo"}, ifaces)
}

func TestNetNSCannotReachHostLoopback(t *testing.T) {
	requireUserNamespaces(t)
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	script := fmt.Sprintf("if (exec 3<>/dev/tcp/127.0.0.1/%d) 2>/dev/null; then echo reachable; else echo isolated; fi", port)
	r := newTestRunner(t, func(c *Config) {
		c.Command = []string{"bash", "-c", script}
	})
	res, err := r.Execute(context.Background(), Job{ID: "host-lo", Content: validFMU(t)})
	require.NoError(t, err)
	assert.Equal(t, "reachable", strings.TrimSpace(string(res.Output)))

	r = newTestRunner(t, func(c *Config) {
		c.Isolation = IsolationNetNS
		c.Command = []string{"bash", "-c", script}
	})
	res, err = r.Execute(context.Background(), Job{ID: "netns-lo", Content: validFMU(t)})
	require.NoError(t, err)
	assert.Equal(t, "isolated", strings.TrimSpace(string(res.Output)))
}
