package guide

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"stb-proxy/work/cache"
	"stb-proxy/work/config"
	"stb-proxy/work/logger"
	"stb-proxy/work/portal"
	"stb-proxy/work/types"
)

// ErrNoWorkingAccount means no account of a source could list its channels.
var ErrNoWorkingAccount = errors.New("no working account")

// Portal is the subset of the portal client the guide needs.
type Portal interface {
	ResolvePortalURL(ctx context.Context, rawURL, proxy string) (string, error)
	Handshake(ctx context.Context, s portal.Session) (string, error)
	GetProfile(ctx context.Context, s portal.Session) (map[string]any, error)
	GetGenres(ctx context.Context, s portal.Session) (map[string]string, error)
	GetAllChannels(ctx context.Context, s portal.Session, genres map[string]string) ([]types.Channel, error)
	GetEpg(ctx context.Context, s portal.Session, periodHours int) (map[string][]types.Programme, error)
}

// Sources lists the configured sources.
type Sources interface {
	LoadSources(ctx context.Context) ([]*types.Source, error)
}

// Options controls how documents are rendered.
type Options struct {
	Host              string
	UseChannelGroups  bool
	UseChannelNumbers bool
	SortByGroup       bool
	SortByNumber      bool
	SortByName        bool
	EPGPeriodHours    int
}

// OptionsFromConfig maps the playlist settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:              cfg.Host,
		UseChannelGroups:  cfg.UseChannelGroups,
		UseChannelNumbers: cfg.UseChannelNumbers,
		SortByGroup:       cfg.SortByGroup,
		SortByNumber:      cfg.SortByNumber,
		SortByName:        cfg.SortByName,
		EPGPeriodHours:    cfg.EPGPeriodHours,
	}
}

// Catalog is the upstream channel list of one source, fetched with the first
// account that works.
type Catalog struct {
	Source     *types.Source
	Channels   []types.Channel
	Genres     map[string]string
	Programmes map[string][]types.Programme // nil unless requested
}

// Builder renders the playlist, the XMLTV guide and the HDHomeRun lineup from
// the live channel lists of all enabled sources.
type Builder struct {
	portal  Portal
	sources Sources
	workers *ants.Pool
	cache   *cache.Cache
}

// NewBuilder creates a builder. Sources are fetched concurrently on workers;
// a nil pool fetches them one after another.
func NewBuilder(p Portal, sources Sources, workers *ants.Pool, cacheInstance *cache.Cache) *Builder {
	return &Builder{portal: p, sources: sources, workers: workers, cache: cacheInstance}
}

// Catalog fetches the channel list of src, trying its accounts in order.
// Programmes are fetched too when withEPG is set; an EPG failure leaves them
// empty.
func (b *Builder) Catalog(ctx context.Context, src *types.Source, withEPG bool, epgPeriodHours int) (*Catalog, error) {
	var lastErr error = ErrNoWorkingAccount
	for _, acc := range src.EnabledAccounts() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cat, err := b.catalogWith(ctx, src, acc, withEPG, epgPeriodHours)
		if err == nil {
			return cat, nil
		}
		lastErr = err
		logger.Debug("{guide/guide - Catalog} MAC(%s) could not list channels of %s: %v", acc.MAC, src.Name, err)
	}
	return nil, fmt.Errorf("%s: %w", src.Name, lastErr)
}

func (b *Builder) catalogWith(ctx context.Context, src *types.Source, acc types.Account, withEPG bool, epgPeriodHours int) (*Catalog, error) {
	proxy := acc.EffectiveProxy(src)
	endpoint, err := b.portal.ResolvePortalURL(ctx, src.URL, proxy)
	if err != nil {
		return nil, err
	}
	session := portal.Session{Endpoint: endpoint, MAC: acc.MAC, Proxy: proxy}
	if session.Token, err = b.portal.Handshake(ctx, session); err != nil {
		return nil, err
	}
	if _, err := b.portal.GetProfile(ctx, session); err != nil {
		return nil, err
	}

	genres := b.genres(ctx, src.ID, session)
	channels, err := b.portal.GetAllChannels(ctx, session, genres)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{Source: src, Channels: channels, Genres: genres}
	if withEPG {
		programmes, err := b.portal.GetEpg(ctx, session, epgPeriodHours)
		if err != nil {
			logger.Warn("{guide/guide - catalogWith} No EPG from %s: %v", src.Name, err)
		}
		cat.Programmes = programmes
	}
	return cat, nil
}

func (b *Builder) genres(ctx context.Context, sourceID string, session portal.Session) map[string]string {
	if b.cache != nil {
		if g, ok := b.cache.GetGenres(sourceID); ok {
			return g
		}
	}
	g, err := b.portal.GetGenres(ctx, session)
	if err != nil {
		return nil
	}
	if b.cache != nil {
		b.cache.SetGenres(sourceID, g)
	}
	return g
}

// catalogs fetches every enabled source that publishes at least one channel.
// Sources that fail are logged and left out. The result keeps source order.
func (b *Builder) catalogs(ctx context.Context, withEPG bool, epgPeriodHours int) ([]*Catalog, error) {
	all, err := b.sources.LoadSources(ctx)
	if err != nil {
		return nil, err
	}

	var wanted []*types.Source
	for _, src := range all {
		if src.Enabled && len(src.EnabledChannels) > 0 {
			wanted = append(wanted, src)
		}
	}

	results := make([]*Catalog, len(wanted))
	var wg sync.WaitGroup
	for i, src := range wanted {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			cat, err := b.Catalog(ctx, src, withEPG, epgPeriodHours)
			if err != nil {
				logger.Error("{guide/guide - catalogs} Error making lineup for %s, skipping: %v", src.Name, err)
				return
			}
			results[i] = cat
		}
		if b.workers == nil {
			task()
			continue
		}
		if err := b.workers.Submit(task); err != nil {
			logger.Warn("{guide/guide - catalogs} Worker pool refused %s, fetching inline: %v", src.Name, err)
			task()
		}
	}
	wg.Wait()

	out := results[:0]
	for _, cat := range results {
		if cat != nil {
			out = append(out, cat)
		}
	}
	return out, nil
}
