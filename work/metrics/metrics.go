package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveStreams tracks the relays currently holding an account, per source.
var ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stb_proxy_active_streams",
	Help: "Number of active relayed streams",
}, []string{"source"})

// BytesTransferred counts bytes relayed to clients per source.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_proxy_bytes_transferred",
	Help: "Total bytes relayed to clients",
}, []string{"source"})

// StreamTerminations counts finished relays by classified cause
// (completed, server_closed, timed_out, unknown, client_cancelled, upstream_failed).
var StreamTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_proxy_stream_terminations",
	Help: "Number of finished streams by termination cause",
}, []string{"source", "cause"})

// AccountRotations counts accounts moved to the back of their source after a
// suspiciously short stream.
var AccountRotations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_proxy_account_rotations",
	Help: "Number of accounts rotated to the back of their source",
}, []string{"source"})

// PortalRequests counts portal API calls by action and result (ok, error).
var PortalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_proxy_portal_requests",
	Help: "Number of portal API requests",
}, []string{"action", "result"})

// ResolveFailures counts playback requests that ended without a stream, by
// reason (no_accounts, no_free_account, no_streams).
var ResolveFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_proxy_resolve_failures",
	Help: "Number of playback requests that could not be served",
}, []string{"source", "reason"})
