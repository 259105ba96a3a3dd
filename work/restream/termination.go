package restream

import "strings"

// Termination is the classified reason a relay ended.
type Termination int

const (
	// Completed means the upstream ended cleanly with no error signature.
	Completed Termination = iota
	// ServerClosed means the upstream closed the stream (I/O error signature or
	// end of body).
	ServerClosed
	// TimedOut means the upstream stopped answering within the stream timeout.
	TimedOut
	// Unknown covers every other upstream failure, including panics in the
	// relay loop.
	Unknown
	// ClientCancelled means the client went away. It is not an error.
	ClientCancelled
	// UpstreamFailed means the relay never got going: the process did not
	// start or the link answered with an error status.
	UpstreamFailed
)

// Diagnostic signatures ffmpeg prints when its input goes away.
const (
	ioErrorSignature = "I/O error"
	timeoutSignature = "Operation timed out"
)

func (t Termination) String() string {
	switch t {
	case Completed:
		return "completed"
	case ServerClosed:
		return "server_closed"
	case TimedOut:
		return "timed_out"
	case ClientCancelled:
		return "client_cancelled"
	case UpstreamFailed:
		return "upstream_failed"
	default:
		return "unknown"
	}
}

// Abnormal reports whether the termination counts as an account error.
func (t Termination) Abnormal() bool {
	return t != Completed && t != ClientCancelled
}

// classify maps the last diagnostic lines of a finished ffmpeg process onto a
// termination cause.
func classify(lines []string) Termination {
	text := strings.Join(lines, "\n")
	switch {
	case strings.Contains(text, ioErrorSignature):
		return ServerClosed
	case strings.Contains(text, timeoutSignature):
		return TimedOut
	default:
		return Unknown
	}
}
