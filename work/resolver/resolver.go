package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"stb-proxy/work/cache"
	"stb-proxy/work/config"
	"stb-proxy/work/logger"
	"stb-proxy/work/metrics"
	"stb-proxy/work/occupancy"
	"stb-proxy/work/pool"
	"stb-proxy/work/portal"
	"stb-proxy/work/tester"
	"stb-proxy/work/types"
	"stb-proxy/work/utils"
)

var (
	// ErrChannelNotFound means the portal's channel list has no such id.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrLinkUnplayable means the resolved link failed the probe.
	ErrLinkUnplayable = errors.New("link unplayable")
	// ErrPortalUnreachable means the portal could not be talked to with the
	// account.
	ErrPortalUnreachable = errors.New("portal unreachable")
	// ErrNoStreamsAvailable is the terminal failure of a playback request.
	ErrNoStreamsAvailable = errors.New("no streams available")
)

// Portal is the subset of the portal client the resolver drives.
type Portal interface {
	ResolvePortalURL(ctx context.Context, rawURL, proxy string) (string, error)
	Handshake(ctx context.Context, s portal.Session) (string, error)
	GetProfile(ctx context.Context, s portal.Session) (map[string]any, error)
	GetGenres(ctx context.Context, s portal.Session) (map[string]string, error)
	GetAllChannels(ctx context.Context, s portal.Session, genres map[string]string) ([]types.Channel, error)
	ResolveLink(ctx context.Context, s portal.Session, cmd string) (string, error)
}

// Sources reads the configured sources.
type Sources interface {
	GetSource(ctx context.Context, id string) (*types.Source, error)
	LoadSources(ctx context.Context) ([]*types.Source, error)
}

// Options controls link testing.
type Options struct {
	TestStreams  bool
	ProbeTimeout time.Duration
}

// OptionsFromConfig maps the stream test settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{TestStreams: cfg.TestStreams, ProbeTimeout: cfg.StreamTimeout}
}

// Request is one playback request.
type Request struct {
	SourceID  string
	ChannelID string
	Client    string
	Web       bool // browser preview; never falls back to other sources
}

// Result is a playable link together with the account slot reserved for it.
// The caller owns Lease and must release it.
type Result struct {
	Link        string
	Source      *types.Source
	Account     types.Account
	ChannelID   string
	ChannelName string
	Proxy       string
	Lease       *occupancy.Lease
	Fallback    bool // served by another source's fallback channel
}

// Resolver turns (source, channel) into a playable link, trying accounts of
// the source in order and then fallback channels of other sources.
type Resolver struct {
	portal  Portal
	pool    *pool.AccountPool
	sources Sources
	prober  tester.Prober
	cache   *cache.Cache
	opts    Options
}

// New creates a resolver. prober and cacheInstance may be nil.
func New(p Portal, accounts *pool.AccountPool, sources Sources, prober tester.Prober, cacheInstance *cache.Cache, opts Options) *Resolver {
	return &Resolver{
		portal:  p,
		pool:    accounts,
		sources: sources,
		prober:  prober,
		cache:   cacheInstance,
		opts:    opts,
	}
}

// Resolve finds a playable link for req. On failure the error wraps
// ErrNoStreamsAvailable.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	src, err := r.sources.GetSource(ctx, req.SourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", ErrNoStreamsAvailable, req.SourceID, err)
	}
	if !src.Enabled {
		return nil, fmt.Errorf("%w: source %s is disabled", ErrNoStreamsAvailable, src.Name)
	}

	channelName := src.CustomNames[req.ChannelID]
	result, name, err := r.resolveSource(ctx, src, req.ChannelID, req)
	if err == nil {
		return result, nil
	}
	if name != "" {
		channelName = name
	}
	r.countFailure(src.ID, err)

	if req.Web || ctx.Err() != nil || channelName == "" {
		return nil, fmt.Errorf("%w: %w", ErrNoStreamsAvailable, err)
	}

	logger.Info("{resolver/resolver - Resolve} Source(%s) Channel(%s) is not working, looking for fallbacks", src.Name, req.ChannelID)
	result, fbErr := r.resolveFallback(ctx, src.ID, channelName, req)
	if fbErr == nil {
		return result, nil
	}

	logger.Info("{resolver/resolver - Resolve} No working streams found for Source(%s) Channel(%s)", src.Name, req.ChannelID)
	return nil, fmt.Errorf("%w: %w", ErrNoStreamsAvailable, err)
}

func (r *Resolver) countFailure(sourceID string, err error) {
	reason := "no_streams"
	switch {
	case errors.Is(err, pool.ErrNoAccounts):
		reason = "no_accounts"
	case errors.Is(err, pool.ErrNoFreeAccount):
		reason = "no_free_account"
	}
	metrics.ResolveFailures.WithLabelValues(sourceID, reason).Inc()
}

// resolveFallback tries other enabled sources whose fallback map offers a
// channel standing in for channelName. Sources are tried in configuration
// order; within a source, channel ids in sorted order.
func (r *Resolver) resolveFallback(ctx context.Context, primaryID, channelName string, req Request) (*Result, error) {
	all, err := r.sources.LoadSources(ctx)
	if err != nil {
		return nil, err
	}

	for _, src := range all {
		if src.ID == primaryID || !src.Enabled {
			continue
		}
		var candidates []string
		for channelID, name := range src.FallbackChannels {
			if name == channelName {
				candidates = append(candidates, channelID)
			}
		}
		sort.Strings(candidates)

		for _, channelID := range candidates {
			fbReq := req
			fbReq.SourceID = src.ID
			fbReq.ChannelID = channelID

			result, _, err := r.resolveSource(ctx, src, channelID, fbReq)
			if err != nil {
				logger.Info("{resolver/resolver - resolveFallback} Fallback Source(%s) Channel(%s) failed: %v", src.Name, channelID, err)
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			logger.Info("{resolver/resolver - resolveFallback} Fallback found for %s on Source(%s) Channel(%s)", channelName, src.Name, channelID)
			result.Fallback = true
			return result, nil
		}
	}
	return nil, ErrNoStreamsAvailable
}

// resolveSource tries the accounts of one source. Busy accounts are passed
// over; an account that fails ends the search unless the source tries all
// accounts. The upstream channel name is returned whenever it was learned.
func (r *Resolver) resolveSource(ctx context.Context, src *types.Source, channelID string, req Request) (*Result, string, error) {
	var (
		channelName string
		lastErr     error
		tried       = make(map[string]bool)
		poolReq     = pool.Request{ChannelID: channelID, Client: req.Client, Web: req.Web}
	)
	for {
		acc, lease, err := r.pool.SelectAccount(ctx, src, tried, poolReq)
		if err != nil {
			if lastErr != nil && errors.Is(err, pool.ErrNoFreeAccount) {
				return nil, channelName, lastErr
			}
			if errors.Is(err, pool.ErrNoFreeAccount) {
				logger.Info("{resolver/resolver - resolveSource} No free MAC for Source(%s) Channel(%s)", src.Name, channelID)
			}
			return nil, channelName, err
		}
		tried[acc.MAC] = true

		logger.Info("{resolver/resolver - resolveSource} Trying MAC(%s) for Source(%s) Channel(%s)", acc.MAC, src.Name, channelID)
		r.pool.MarkAttempt(ctx, src.ID, acc.MAC)

		result, name, err := r.tryAccount(ctx, src, acc, channelID)
		if name != "" {
			channelName = name
		}
		if err == nil {
			result.Lease = lease
			return result, channelName, nil
		}

		lease.Release()
		lastErr = err
		logger.Info("{resolver/resolver - resolveSource} Unable to connect to Source(%s) using MAC(%s): %v", src.Name, acc.MAC, err)

		if ctx.Err() != nil {
			return nil, channelName, ctx.Err()
		}
		if !src.TryAllAccounts {
			return nil, channelName, lastErr
		}
	}
}

// tryAccount runs handshake, profile, channel lookup, link resolution and the
// optional probe for one account.
func (r *Resolver) tryAccount(ctx context.Context, src *types.Source, acc types.Account, channelID string) (*Result, string, error) {
	proxy := acc.EffectiveProxy(src)

	endpoint, err := r.portal.ResolvePortalURL(ctx, src.URL, proxy)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrPortalUnreachable, err)
	}
	session := portal.Session{Endpoint: endpoint, MAC: acc.MAC, Proxy: proxy}

	token, err := r.portal.Handshake(ctx, session)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrPortalUnreachable, err)
	}
	session.Token = token

	if _, err := r.portal.GetProfile(ctx, session); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrPortalUnreachable, err)
	}

	channels, err := r.portal.GetAllChannels(ctx, session, r.genres(ctx, src.ID, session))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrPortalUnreachable, err)
	}

	var channel *types.Channel
	for i := range channels {
		if channels[i].ID == channelID {
			channel = &channels[i]
			break
		}
	}
	if channel == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	channelName := src.ChannelName(*channel)

	link, err := r.portal.ResolveLink(ctx, session, channel.Cmd)
	if err != nil || link == "" {
		return nil, channelName, fmt.Errorf("%w: create link: %v", ErrPortalUnreachable, err)
	}

	if r.opts.TestStreams && r.prober != nil {
		if !r.prober.Probe(ctx, link, proxy, r.opts.ProbeTimeout) {
			return nil, channelName, fmt.Errorf("%w: %s", ErrLinkUnplayable, utils.ObfuscateURL(link))
		}
	}

	return &Result{
		Link:        link,
		Source:      src,
		Account:     acc,
		ChannelID:   channelID,
		ChannelName: channelName,
		Proxy:       proxy,
	}, channelName, nil
}

// genres returns the source's genre map, cached. Genres only widen the
// channel list with adult categories, so failures are ignored.
func (r *Resolver) genres(ctx context.Context, sourceID string, session portal.Session) map[string]string {
	if r.cache != nil {
		if g, ok := r.cache.GetGenres(sourceID); ok {
			return g
		}
	}
	g, err := r.portal.GetGenres(ctx, session)
	if err != nil {
		logger.Debug("{resolver/resolver - genres} No genres for source %s: %v", sourceID, err)
		return nil
	}
	if r.cache != nil {
		r.cache.SetGenres(sourceID, g)
	}
	return g
}
