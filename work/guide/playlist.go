package guide

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"stb-proxy/work/logger"
	"stb-proxy/work/utils"
)

const playlistDocument = "playlist.m3u"

// Entry is one published channel with the operator customizations applied.
type Entry struct {
	SourceID  string
	ChannelID string
	Name      string
	Number    string
	Group     string
	EPGID     string
	URL       string
}

// LineupEntry is one channel of the HDHomeRun lineup.
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// PlayURL is the address players use to tune a channel.
func PlayURL(host, sourceID, channelID string) string {
	return fmt.Sprintf("http://%s/play/%s/%s", host, sourceID, channelID)
}

// entries lists the enabled channels of every catalog.
func entries(cats []*Catalog, opts Options) []Entry {
	var out []Entry
	for _, cat := range cats {
		src := cat.Source
		for _, ch := range cat.Channels {
			if !src.IsChannelEnabled(ch.ID) {
				continue
			}
			e := Entry{
				SourceID:  src.ID,
				ChannelID: ch.ID,
				Name:      src.ChannelName(ch),
				Number:    ch.Number,
				Group:     cat.Genres[ch.GenreID],
				EPGID:     ch.XMLTVID,
				URL:       PlayURL(opts.Host, src.ID, ch.ID),
			}
			if n := src.CustomNumbers[ch.ID]; n != "" {
				e.Number = n
			}
			if g := src.CustomGroups[ch.ID]; g != "" {
				e.Group = g
			}
			if e.Group == "" {
				e.Group = "Unknown"
			}
			if id := src.CustomEPGIDs[ch.ID]; id != "" {
				e.EPGID = id
			}
			if e.EPGID == "" {
				e.EPGID = utils.SanitizeChannelName(e.Name)
			}
			out = append(out, e)
		}
	}
	return out
}

// sortEntries orders by group, then number, then name, each only when enabled.
func sortEntries(list []Entry, opts Options) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if opts.SortByGroup && a.Group != b.Group {
			return strings.ToLower(a.Group) < strings.ToLower(b.Group)
		}
		if opts.SortByNumber && a.Number != b.Number {
			return numberLess(a.Number, b.Number)
		}
		if opts.SortByName && a.Name != b.Name {
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
		return false
	})
}

func numberLess(a, b string) bool {
	na, errA := strconv.ParseFloat(a, 64)
	nb, errB := strconv.ParseFloat(b, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

// Entries returns the published channels of all sources, sorted.
func (b *Builder) Entries(ctx context.Context, opts Options) ([]Entry, error) {
	cats, err := b.catalogs(ctx, false, 0)
	if err != nil {
		return nil, err
	}
	list := entries(cats, opts)
	sortEntries(list, opts)
	return list, nil
}

// Playlist renders the M3U playlist, serving it from the document cache while
// it is fresh.
func (b *Builder) Playlist(ctx context.Context, opts Options) ([]byte, error) {
	if b.cache != nil {
		if body, ok := b.cache.GetDocument(playlistDocument); ok {
			logger.Debug("{guide/playlist - Playlist} Serving cached playlist")
			return body, nil
		}
	}

	list, err := b.Entries(ctx, opts)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.Grow(len(list) * 200)
	sb.WriteString("#EXTM3U\n")
	for _, e := range list {
		sb.WriteString(`#EXTINF:-1 tvg-id="`)
		sb.WriteString(attr(e.EPGID))
		sb.WriteString(`"`)
		if opts.UseChannelNumbers && e.Number != "" {
			fmt.Fprintf(&sb, ` tvg-chno="%s"`, attr(e.Number))
		}
		if opts.UseChannelGroups {
			fmt.Fprintf(&sb, ` group-title="%s"`, attr(e.Group))
		}
		fmt.Fprintf(&sb, ",%s\n%s\n", e.Name, e.URL)
	}

	body := []byte(sb.String())
	if b.cache != nil {
		b.cache.SetDocument(playlistDocument, body)
	}
	logger.Info("{guide/playlist - Playlist} Generated playlist with %d channels", len(list))
	return body, nil
}

// Lineup returns the HDHomeRun lineup.
func (b *Builder) Lineup(ctx context.Context, opts Options) ([]LineupEntry, error) {
	list, err := b.Entries(ctx, opts)
	if err != nil {
		return nil, err
	}
	lineup := make([]LineupEntry, 0, len(list))
	for _, e := range list {
		lineup = append(lineup, LineupEntry{GuideNumber: e.Number, GuideName: e.Name, URL: e.URL})
	}
	return lineup, nil
}

func attr(v string) string {
	return strings.ReplaceAll(v, `"`, "'")
}
