package tester

import (
	"context"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"stb-proxy/work/logger"
	"stb-proxy/work/utils"
)

// Prober checks whether a resolved link is playable.
type Prober interface {
	Probe(ctx context.Context, link, proxy string, timeout time.Duration) bool
}

// CommandFunc builds the command to run; exec.CommandContext in production.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// FFProbe probes links with ffprobe and looks only at its exit status.
type FFProbe struct {
	Binary  string
	Command CommandFunc
	Grace   time.Duration // extra time past the I/O timeout before the process is killed
}

// NewFFProbe returns a prober running ffprobe from PATH.
func NewFFProbe() *FFProbe {
	return &FFProbe{Binary: "ffprobe", Command: exec.CommandContext, Grace: 2 * time.Second}
}

// ProbeArgs builds the ffprobe argument list. ffprobe takes its I/O timeout
// in microseconds.
func ProbeArgs(link, proxy string, timeout time.Duration) []string {
	args := make([]string, 0, 6)
	if proxy != "" {
		args = append(args, "-http_proxy", proxy)
	}
	args = append(args, "-timeout", strconv.FormatInt(timeout.Microseconds(), 10), "-i", link)
	return args
}

// Probe runs ffprobe against link and reports whether it exited cleanly. The
// whole process group is killed once timeout plus Grace has passed.
func (p *FFProbe) Probe(ctx context.Context, link, proxy string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout+p.Grace)
	defer cancel()

	cmd := p.Command(ctx, p.Binary, ProbeArgs(link, proxy, timeout)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		logger.Debug("{tester/tester - Probe} Link %s failed probe after %s: %v", utils.ObfuscateURL(link), time.Since(start).Round(time.Millisecond), err)
		return false
	}
	logger.Debug("{tester/tester - Probe} Link %s is playable", utils.ObfuscateURL(link))
	return true
}
