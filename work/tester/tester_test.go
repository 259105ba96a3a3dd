package tester

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// helperCommand re-runs the test binary as a stand-in for ffprobe.
func helperCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	link := os.Args[len(os.Args)-1]
	switch {
	case strings.Contains(link, "good"):
		os.Exit(0)
	case strings.Contains(link, "hang"):
		time.Sleep(time.Minute)
	}
	os.Exit(1)
}

func TestProbeArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-timeout", "5000000", "-i", "http://cdn/1.ts"},
		ProbeArgs("http://cdn/1.ts", "", 5*time.Second))
	assert.Equal(t,
		[]string{"-http_proxy", "http://proxy:3128", "-timeout", "2000000", "-i", "http://cdn/1.ts"},
		ProbeArgs("http://cdn/1.ts", "http://proxy:3128", 2*time.Second))
}

func TestProbeUsesExitStatus(t *testing.T) {
	p := &FFProbe{Binary: "ffprobe", Command: helperCommand}
	ctx := context.Background()

	assert.True(t, p.Probe(ctx, "http://cdn/good.ts", "", time.Second))
	assert.False(t, p.Probe(ctx, "http://cdn/bad.ts", "", time.Second))
}

func TestProbeKillsHungProcess(t *testing.T) {
	p := &FFProbe{Binary: "ffprobe", Command: helperCommand}

	start := time.Now()
	ok := p.Probe(context.Background(), "http://cdn/hang.ts", "", 200*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 10*time.Second)
}
