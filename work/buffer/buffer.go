package buffer

import (
	"bytes"
	"strings"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out relay chunk buffers of a fixed size, reused through
// valyala/bytebufferpool.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool of buffers holding bufferSize bytes each.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Size returns the length of the buffers handed out by Get.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}

// Get returns a buffer whose B is exactly Size bytes long, ready to be read
// into.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	}
	buf.B = buf.B[:bp.bufferSize]
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		buf.Reset()
		bp.pool.Put(buf)
	}
}

// maxPartialLine bounds an unterminated line; older bytes are dropped.
const maxPartialLine = 4 << 10

// TailBuffer is a thread-safe ring of the last N lines written to it. It
// implements io.Writer so a process's diagnostic output can be copied into
// it while only the most recent lines are kept.
type TailBuffer struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
}

// NewTailBuffer keeps up to n lines.
func NewTailBuffer(n int) *TailBuffer {
	if n < 1 {
		n = 1
	}
	return &TailBuffer{lines: make([]string, n)}
}

// Write splits p into lines; an unterminated last line is held until its
// newline arrives or Lines is called. Only the last 4 KiB of it are kept.
func (tb *TailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	data := p
	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			tb.hold(data)
			break
		}
		tb.hold(data[:i])
		tb.push(string(tb.partial))
		tb.partial = tb.partial[:0]
		data = data[i+1:]
	}
	return len(p), nil
}

func (tb *TailBuffer) hold(data []byte) {
	tb.partial = append(tb.partial, data...)
	if over := len(tb.partial) - maxPartialLine; over > 0 {
		n := copy(tb.partial, tb.partial[over:])
		tb.partial = tb.partial[:n]
	}
}

func (tb *TailBuffer) push(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	tb.lines[tb.next] = line
	tb.next = (tb.next + 1) % len(tb.lines)
	if tb.next == 0 {
		tb.full = true
	}
}

// Lines returns the retained lines oldest first, including a pending partial
// line.
func (tb *TailBuffer) Lines() []string {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	var out []string
	if tb.full {
		out = append(out, tb.lines[tb.next:]...)
	}
	out = append(out, tb.lines[:tb.next]...)
	if rest := strings.TrimSpace(string(tb.partial)); rest != "" {
		out = append(out, rest)
		if len(out) > len(tb.lines) {
			out = out[1:]
		}
	}
	return out
}

// String joins the retained lines with newlines.
func (tb *TailBuffer) String() string {
	return strings.Join(tb.Lines(), "\n")
}
