package occupancy

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"stb-proxy/work/metrics"
	"stb-proxy/work/types"
)

// Registry tracks every in-flight stream per source. Slices stored in the map
// are never mutated in place; every change replaces the slice inside Compute,
// so readers can use a loaded slice without locking.
type Registry struct {
	streams *xsync.MapOf[string, []*types.ActiveStream]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: xsync.NewMapOf[string, []*types.ActiveStream]()}
}

// Reserve adds stream as a pending entry if its account holds fewer than
// maxStreams entries (pending or active) on its source. maxStreams <= 0 means
// unlimited. The check and the insert happen atomically for the source.
func (r *Registry) Reserve(stream types.ActiveStream, maxStreams int) (*Lease, bool) {
	if stream.ID == "" {
		stream.ID = uuid.NewString()
	}
	stream.Pending = true
	if stream.Start.IsZero() {
		stream.Start = time.Now()
	}

	reserved := false
	r.streams.Compute(stream.SourceID, func(current []*types.ActiveStream, _ bool) ([]*types.ActiveStream, bool) {
		if maxStreams > 0 && countAccount(current, stream.AccountMAC) >= maxStreams {
			return current, len(current) == 0
		}
		next := make([]*types.ActiveStream, len(current), len(current)+1)
		copy(next, current)
		entry := stream
		reserved = true
		return append(next, &entry), false
	})
	if !reserved {
		return nil, false
	}
	return &Lease{registry: r, sourceID: stream.SourceID, id: stream.ID, stream: stream}, true
}

// Count returns the number of entries, pending or active, held by one account.
func (r *Registry) Count(sourceID, mac string) int {
	current, _ := r.streams.Load(sourceID)
	return countAccount(current, mac)
}

// Snapshot copies the registry for display, grouped by source id. Pending
// reservations are left out.
func (r *Registry) Snapshot() map[string][]types.ActiveStream {
	out := make(map[string][]types.ActiveStream)
	r.streams.Range(func(sourceID string, current []*types.ActiveStream) bool {
		for _, s := range current {
			if s.Pending {
				continue
			}
			out[sourceID] = append(out[sourceID], *s)
		}
		return true
	})
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Start.Before(list[j].Start) })
	}
	return out
}

// Len returns the total number of entries across all sources.
func (r *Registry) Len() int {
	n := 0
	r.streams.Range(func(_ string, current []*types.ActiveStream) bool {
		n += len(current)
		return true
	})
	return n
}

func countAccount(streams []*types.ActiveStream, mac string) int {
	n := 0
	for _, s := range streams {
		if s.AccountMAC == mac {
			n++
		}
	}
	return n
}

// replace swaps the entry with the given id for a modified copy.
func (r *Registry) replace(sourceID, id string, modify func(*types.ActiveStream)) bool {
	found := false
	r.streams.Compute(sourceID, func(current []*types.ActiveStream, loaded bool) ([]*types.ActiveStream, bool) {
		if !loaded {
			return current, true
		}
		next := make([]*types.ActiveStream, len(current))
		for i, s := range current {
			if s.ID == id {
				entry := *s
				modify(&entry)
				next[i] = &entry
				found = true
				continue
			}
			next[i] = s
		}
		return next, false
	})
	return found
}

// remove drops the entry with the given id, deleting the source key once it
// holds no entries.
func (r *Registry) remove(sourceID, id string) (types.ActiveStream, bool) {
	var removed types.ActiveStream
	found := false
	r.streams.Compute(sourceID, func(current []*types.ActiveStream, loaded bool) ([]*types.ActiveStream, bool) {
		if !loaded {
			return current, true
		}
		next := make([]*types.ActiveStream, 0, len(current))
		for _, s := range current {
			if s.ID == id && !found {
				removed = *s
				found = true
				continue
			}
			next = append(next, s)
		}
		return next, len(next) == 0
	})
	return removed, found
}

// Lease is the handle to one registry entry. Release must be called on every
// path once the entry is no longer needed; repeated calls are no-ops.
type Lease struct {
	registry *Registry
	sourceID string
	id       string

	mu     sync.Mutex
	stream types.ActiveStream
	once   sync.Once
}

// Stream returns a copy of the entry as last known to this lease.
func (l *Lease) Stream() types.ActiveStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream
}

// Activate turns the pending reservation into an active stream, recording the
// resolved channel name and restarting the clock.
func (l *Lease) Activate(channelName string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.stream.Pending {
		return
	}
	start := time.Now()
	ok := l.registry.replace(l.sourceID, l.id, func(s *types.ActiveStream) {
		s.Pending = false
		s.ChannelName = channelName
		s.Start = start
	})
	if !ok {
		return
	}
	l.stream.Pending = false
	l.stream.ChannelName = channelName
	l.stream.Start = start
	metrics.ActiveStreams.WithLabelValues(l.sourceID).Inc()
}

// Release removes the entry. It reports whether this call did the removal.
func (l *Lease) Release() bool {
	released := false
	l.once.Do(func() {
		removed, ok := l.registry.remove(l.sourceID, l.id)
		if ok && !removed.Pending {
			metrics.ActiveStreams.WithLabelValues(l.sourceID).Dec()
		}
		released = ok
	})
	return released
}
