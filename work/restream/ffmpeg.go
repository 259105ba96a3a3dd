package restream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"stb-proxy/work/buffer"
	"stb-proxy/work/logger"
	"stb-proxy/work/utils"
)

// stderrTailLines is how many ffmpeg diagnostic lines are kept for
// classification.
const stderrTailLines = 10

// FFmpegArgs describes one ffmpeg invocation. Build turns it into the
// argument vector; nothing is spliced into a command string.
type FFmpegArgs struct {
	Link      string
	Proxy     string
	Timeout   time.Duration
	PreInput  []string
	PreOutput []string
	Web       bool // fragmented MP4 a browser can play
}

// Build returns the ffmpeg arguments, without the binary name.
//
// Web preview:
//
//	[-http_proxy P] -loglevel panic -hide_banner -i LINK -vcodec copy -f mp4 -movflags frag_keyframe+empty_moov pipe:
//
// Otherwise:
//
//	[-http_proxy P] PRE_INPUT... -timeout USEC -i LINK PRE_OUTPUT... -f mpegts pipe:
func (a FFmpegArgs) Build() []string {
	args := make([]string, 0, 16+len(a.PreInput)+len(a.PreOutput))
	if a.Proxy != "" {
		args = append(args, "-http_proxy", a.Proxy)
	}

	if a.Web {
		return append(args,
			"-loglevel", "panic", "-hide_banner",
			"-i", a.Link,
			"-vcodec", "copy",
			"-f", "mp4", "-movflags", "frag_keyframe+empty_moov",
			"pipe:")
	}

	args = append(args, a.PreInput...)
	if a.Timeout > 0 {
		args = append(args, "-timeout", strconv.FormatInt(a.Timeout.Microseconds(), 10))
	}
	args = append(args, "-i", a.Link)
	args = append(args, a.PreOutput...)
	return append(args, "-f", "mpegts", "pipe:")
}

// transcode runs ffmpeg and relays its stdout to w. stderr is drained on its
// own goroutine into a tail buffer used to classify how the process ended.
func (rl *Relay) transcode(ctx context.Context, w io.Writer, link string, pb Playback, log *logger.Logger, out *Outcome) Termination {
	args := FFmpegArgs{
		Link:      link,
		Proxy:     pb.Proxy,
		Timeout:   rl.opts.Timeout,
		PreInput:  rl.opts.PreInput,
		PreOutput: rl.opts.PreOutput,
		Web:       pb.Web,
	}.Build()
	log.Debug("{restream/ffmpeg - transcode} Command: %s %s", rl.opts.FFmpegBinary, utils.ObfuscateURL(strings.Join(args, " ")))

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := rl.opts.Command(procCtx, rl.opts.FFmpegBinary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("{restream/ffmpeg - transcode} Failed to create stdout pipe: %v", err)
		return UpstreamFailed
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error("{restream/ffmpeg - transcode} Failed to create stderr pipe: %v", err)
		return UpstreamFailed
	}
	if err := cmd.Start(); err != nil {
		log.Error("{restream/ffmpeg - transcode} Failed to start ffmpeg: %v", err)
		return UpstreamFailed
	}

	tail := buffer.NewTailBuffer(stderrTailLines)
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(tail, stderr)
		return err
	})
	var pumpErr error
	g.Go(func() error {
		defer func() {
			if rec := recover(); rec != nil {
				pumpErr = fmt.Errorf("relay panic: %v", rec)
				cancel()
			}
		}()
		out.Bytes, pumpErr = rl.pump(procCtx, w, stdout, pb.SourceID, nil)
		if pumpErr != nil {
			cancel()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Debug("{restream/ffmpeg - transcode} stderr drain ended: %v", err)
	}
	waitErr := cmd.Wait()

	if errors.Is(pumpErr, errClientGone) || ctx.Err() != nil {
		return ClientCancelled
	}

	term := classify(tail.Lines())
	if term == Unknown && waitErr == nil && pumpErr == nil {
		term = Completed
	}
	switch term {
	case ServerClosed:
		log.Info("{restream/ffmpeg - transcode} Stream to client (%s) from Portal (%s) was closed", pb.Client, pb.SourceName)
	case TimedOut:
		log.Info("{restream/ffmpeg - transcode} Stream to client (%s) from Portal (%s) timed out", pb.Client, pb.SourceName)
	case Unknown:
		log.Debug("{restream/ffmpeg - transcode} ffmpeg stopped with unknown error (%v):\n%s", waitErr, tail.String())
	}
	return term
}
