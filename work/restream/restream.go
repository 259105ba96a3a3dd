package restream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync/atomic"
	"time"

	"stb-proxy/work/buffer"
	"stb-proxy/work/client"
	"stb-proxy/work/config"
	"stb-proxy/work/logger"
	"stb-proxy/work/metrics"
	"stb-proxy/work/occupancy"
	"stb-proxy/work/pool"
	"stb-proxy/work/tester"
	"stb-proxy/work/utils"
)

// errClientGone marks a failed write to the client.
var errClientGone = errors.New("client connection closed")

// Options controls how streams are relayed.
type Options struct {
	Method               string        // config.StreamMethodFFmpeg, Direct or Redirect
	Timeout              time.Duration // upstream connect and idle timeout
	ChunkSize            int           // bytes per read
	PreInput             []string
	PreOutput            []string
	ShortStreamThreshold time.Duration // server closes faster than this rotate the account
	FFmpegBinary         string
	Command              tester.CommandFunc
}

// OptionsFromConfig maps the stream settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Method:               cfg.StreamMethod,
		Timeout:              cfg.StreamTimeout,
		ChunkSize:            cfg.StreamChunkSize,
		PreInput:             cfg.FFmpegPreInput,
		PreOutput:            cfg.FFmpegPreOutput,
		ShortStreamThreshold: cfg.ShortStreamThreshold,
	}
}

// Playback is one resolved stream ready to be relayed. Lease is the account
// slot reserved during resolution; the relay takes ownership of it.
type Playback struct {
	Link        string
	Proxy       string
	SourceID    string
	SourceName  string
	AccountMAC  string
	ChannelID   string
	ChannelName string
	Client      string
	Web         bool
	Lease       *occupancy.Lease
}

// Outcome summarizes a finished relay.
type Outcome struct {
	Termination Termination
	Bytes       int64
	Elapsed     time.Duration
	Rotated     bool // the account was moved to the back of its source
}

// Relay streams resolved links to clients.
type Relay struct {
	pool    *pool.AccountPool
	clients *client.Pool
	buffers *buffer.BufferPool
	opts    Options
}

// New creates a relay. accounts receives the playtime and error statistics of
// every finished stream.
func New(accounts *pool.AccountPool, clients *client.Pool, opts Options) *Relay {
	if opts.Method == "" {
		opts.Method = config.StreamMethodDirect
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1024
	}
	if opts.ShortStreamThreshold <= 0 {
		opts.ShortStreamThreshold = 120 * time.Second
	}
	if opts.FFmpegBinary == "" {
		opts.FFmpegBinary = "ffmpeg"
	}
	if opts.Command == nil {
		opts.Command = exec.CommandContext
	}
	if clients == nil {
		clients = client.NewPool(0)
	}
	return &Relay{
		pool:    accounts,
		clients: clients,
		buffers: buffer.NewBufferPool(opts.ChunkSize),
		opts:    opts,
	}
}

// Serve relays pb to w until the upstream ends or the client goes away. The
// lease is released exactly once on every path, after which the account
// statistics are recorded.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, pb Playback) (out Outcome) {
	ctx := r.Context()
	log := logger.With("source", pb.SourceName, "account", pb.AccountMAC, "channel", pb.ChannelID, "client", pb.Client)

	if !pb.Web && rl.opts.Method == config.StreamMethodRedirect {
		if pb.Lease != nil {
			pb.Lease.Release()
		}
		log.Info("{restream/restream - Serve} Redirect to %s", utils.ObfuscateURL(pb.Link))
		http.Redirect(w, r, pb.Link, http.StatusFound)
		return Outcome{Termination: Completed}
	}

	if pb.Lease != nil {
		pb.Lease.Activate(pb.ChannelName)
	}
	log.Info("{restream/restream - Serve} Occupied Source(%s):Account(%s)", pb.SourceName, pb.AccountMAC)

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("{restream/restream - Serve} Relay panicked: %v", rec)
			out.Termination = Unknown
		}
		out.Elapsed = time.Since(start)
		rl.finish(ctx, pb, &out, log)
	}()

	cw := client.NewCustomResponseWriter(w)
	if pb.Web {
		cw.Header().Set("Content-Type", "video/mp4")
	} else {
		cw.Header().Set("Content-Type", "application/octet-stream")
	}

	if pb.Web || rl.opts.Method == config.StreamMethodFFmpeg {
		log.Debug("{restream/restream - Serve} Start stream by ffmpeg")
		out.Termination = rl.transcode(ctx, cw, pb.Link, pb, log, &out)
	} else {
		log.Debug("{restream/restream - Serve} Start stream by direct buffer")
		out.Termination = rl.direct(ctx, cw, pb, log, &out)
	}

	if out.Termination == UpstreamFailed && !cw.WroteHeader {
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
	}
	return out
}

// finish releases the lease and records the stream. A server close shortly
// after start suggests the account is over-used elsewhere, so it is rotated
// to the back of its source.
func (rl *Relay) finish(ctx context.Context, pb Playback, out *Outcome, log *logger.Logger) {
	released := pb.Lease == nil || pb.Lease.Release()
	log.Info("{restream/restream - finish} Unoccupied Source(%s):Account(%s) after %s (%s, %d bytes)",
		pb.SourceName, pb.AccountMAC, out.Elapsed.Round(100*time.Millisecond), out.Termination, out.Bytes)
	metrics.StreamTerminations.WithLabelValues(pb.SourceID, out.Termination.String()).Inc()

	if !released || rl.pool == nil || pb.AccountMAC == "" {
		return
	}

	ctx = context.WithoutCancel(ctx)
	rl.pool.RecordStream(ctx, pb.SourceID, pb.AccountMAC, out.Elapsed, out.Termination.Abnormal())

	if out.Termination == ServerClosed && out.Elapsed < rl.opts.ShortStreamThreshold {
		log.Info("{restream/restream - finish} Stream closed after %s, Account(%s) may be in use elsewhere", out.Elapsed.Round(time.Second), pb.AccountMAC)
		if err := rl.pool.RotateToBack(ctx, pb.SourceID, pb.AccountMAC); err != nil {
			log.Warn("{restream/restream - finish} Failed to rotate Account(%s): %v", pb.AccountMAC, err)
			return
		}
		out.Rotated = true
	}
}

// direct forwards the upstream response body verbatim. An upstream that
// answers with an HLS playlist is handed to ffmpeg instead.
func (rl *Relay) direct(ctx context.Context, w io.Writer, pb Playback, log *logger.Logger, out *Outcome) Termination {
	hc, err := rl.clients.Get(pb.Proxy)
	if err != nil {
		log.Error("{restream/restream - direct} Invalid proxy: %v", err)
		return UpstreamFailed
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idleExpired atomic.Bool
	idle := &idleTimer{timeout: rl.opts.Timeout}
	idle.timer = time.AfterFunc(rl.opts.Timeout, func() {
		idleExpired.Store(true)
		cancel()
	})
	defer idle.pause()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pb.Link, nil)
	if err != nil {
		log.Error("{restream/restream - direct} Bad stream URL %s: %v", utils.ObfuscateURL(pb.Link), err)
		return UpstreamFailed
	}

	resp, err := hc.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ClientCancelled
		case idleExpired.Load():
			log.Error("{restream/restream - direct} Stream request to URL (%s) timed out", utils.ObfuscateURL(pb.Link))
			return TimedOut
		}
		log.Error("{restream/restream - direct} Stream request to URL (%s) ended with error: %v", utils.ObfuscateURL(pb.Link), err)
		return UpstreamFailed
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error("{restream/restream - direct} Couldn't connect to stream URL (%s), status code %d", utils.ObfuscateURL(pb.Link), resp.StatusCode)
		return UpstreamFailed
	}

	body := bufio.NewReaderSize(resp.Body, rl.buffers.Size())
	if shouldCheckForPlaylist(resp, body) {
		target, err := playlistTarget(body, pb.Link)
		if err != nil {
			log.Error("{restream/restream - direct} %v", err)
			return UpstreamFailed
		}
		idle.pause()
		resp.Body.Close()
		log.Info("{restream/restream - direct} Upstream answered with a playlist, relaying %s through ffmpeg", utils.ObfuscateURL(target))
		return rl.transcode(ctx, w, target, pb, log, out)
	}

	var pumpErr error
	out.Bytes, pumpErr = rl.pump(reqCtx, w, body, pb.SourceID, idle)

	switch {
	case errors.Is(pumpErr, errClientGone) || ctx.Err() != nil:
		log.Info("{restream/restream - direct} Stream closed by client")
		return ClientCancelled
	case idleExpired.Load():
		log.Info("{restream/restream - direct} Stream to client (%s) from Portal (%s) timed out", pb.Client, pb.SourceName)
		return TimedOut
	case pumpErr != nil:
		log.Info("{restream/restream - direct} Stream from %s ended with error: %v", pb.SourceName, pumpErr)
		return UpstreamFailed
	}
	if out.Bytes == 0 {
		log.Info("{restream/restream - direct} No stream data")
	}
	log.Info("{restream/restream - direct} Stream to client (%s) from Portal (%s) was closed", pb.Client, pb.SourceName)
	return ServerClosed
}

// idleTimer cancels an upstream request that delivers nothing for timeout.
// It only runs while the relay waits on the upstream.
type idleTimer struct {
	timer   *time.Timer
	timeout time.Duration
}

func (t *idleTimer) pause() {
	if t != nil {
		t.timer.Stop()
	}
}

func (t *idleTimer) resume() {
	if t != nil {
		t.timer.Reset(t.timeout)
	}
}

// pump copies r to w one chunk at a time. The next chunk is read only after
// the previous one was written, so a slow client slows the upstream down
// instead of growing a buffer. idle, when set, is paused for every write so
// time blocked on the client never counts against the upstream. It returns
// nil at end of input.
func (rl *Relay) pump(ctx context.Context, w io.Writer, r io.Reader, sourceID string, idle *idleTimer) (int64, error) {
	buf := rl.buffers.Get()
	defer rl.buffers.Put(buf)

	var total int64
	for {
		n, err := r.Read(buf.B)
		if n > 0 {
			idle.pause()
			if _, werr := w.Write(buf.B[:n]); werr != nil {
				return total, fmt.Errorf("%w: %w", errClientGone, werr)
			}
			idle.resume()
			total += int64(n)
			metrics.BytesTransferred.WithLabelValues(sourceID).Add(float64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
