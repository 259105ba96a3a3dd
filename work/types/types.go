package types

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Source is one configured Stalker portal together with its ordered account
// list and the channel customization maps edited by the operator. Accounts are
// kept in priority order; the first entry is tried first.
type Source struct {
	ID             string    `json:"id"`             // Stable opaque identifier (uuid hex)
	Name           string    `json:"name"`           // Display name
	URL            string    `json:"url"`            // Portal URL as entered by the operator
	Enabled        bool      `json:"enabled"`        // Disabled sources never serve streams or fallbacks
	Proxy          string    `json:"proxy"`          // Default outbound proxy for every account
	TryAllAccounts bool      `json:"tryAllAccounts"` // Advance to the next account when one fails
	EPGOffset      float64   `json:"epgOffset"`      // EPG time-zone offset in hours
	Position       int       `json:"position"`       // Ordering among sources (fallback scan order)
	Accounts       []Account `json:"accounts"`

	EnabledChannels  []string          `json:"enabledChannels"`
	CustomNames      map[string]string `json:"customNames"`
	CustomNumbers    map[string]string `json:"customNumbers"`
	CustomGroups     map[string]string `json:"customGroups"`
	CustomEPGIDs     map[string]string `json:"customEpgIds"`
	FallbackChannels map[string]string `json:"fallbackChannels"` // local channel id -> channel name it can stand in for
}

// EnabledAccounts returns the enabled accounts in priority order.
func (s *Source) EnabledAccounts() []Account {
	out := make([]Account, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// IsChannelEnabled reports whether the channel is part of the published lineup.
func (s *Source) IsChannelEnabled(channelID string) bool {
	for _, id := range s.EnabledChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

// ChannelName returns the operator override for a channel name, falling back
// to the upstream name.
func (s *Source) ChannelName(ch Channel) string {
	if name := s.CustomNames[ch.ID]; name != "" {
		return name
	}
	return ch.Name
}

// Account is one MAC-bound credential against a Source.
type Account struct {
	SourceID   string     `json:"sourceId"`
	MAC        string     `json:"mac"`
	Proxy      string     `json:"proxy"`      // Overrides the source proxy when set
	MaxStreams int        `json:"maxStreams"` // 0 means unlimited
	Expiry     *time.Time `json:"expiry"`     // nil when unknown
	Errors     int64      `json:"errors"`
	Requests   int64      `json:"requests"`
	Playtime   float64    `json:"playtime"` // seconds
	Position   int        `json:"position"`
	Enabled    bool       `json:"enabled"`
}

// EffectiveProxy returns the proxy the account should use for portal and
// media traffic.
func (a Account) EffectiveProxy(source *Source) string {
	if a.Proxy != "" {
		return a.Proxy
	}
	if source != nil {
		return source.Proxy
	}
	return ""
}

// Channel is one entry of a portal's live channel list. It is fetched fresh for
// every resolution and never cached.
type Channel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Number  string `json:"number"`
	GenreID string `json:"tv_genre_id"`
	Cmd     string `json:"cmd"`
	XMLTVID string `json:"xmltv_id"`
}

// UnmarshalJSON accepts the loosely typed channel objects portals return, where
// ids and numbers arrive either as strings or as numbers.
func (c *Channel) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      FlexString `json:"id"`
		Name    FlexString `json:"name"`
		Number  FlexString `json:"number"`
		GenreID FlexString `json:"tv_genre_id"`
		Cmd     FlexString `json:"cmd"`
		XMLTVID FlexString `json:"xmltv_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = string(raw.ID)
	c.Name = string(raw.Name)
	c.Number = string(raw.Number)
	c.GenreID = string(raw.GenreID)
	c.Cmd = string(raw.Cmd)
	c.XMLTVID = string(raw.XMLTVID)
	return nil
}

// Programme is one EPG entry for a channel.
type Programme struct {
	ChannelID   string    `json:"channelId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
}

// UnmarshalJSON decodes the portal's get_epg_info entry shape.
func (p *Programme) UnmarshalJSON(data []byte) error {
	var raw struct {
		ChannelID FlexString `json:"ch_id"`
		Name      FlexString `json:"name"`
		Descr     FlexString `json:"descr"`
		Category  FlexString `json:"category"`
		Start     FlexString `json:"start_timestamp"`
		Stop      FlexString `json:"stop_timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.ChannelID = string(raw.ChannelID)
	p.Title = string(raw.Name)
	p.Description = string(raw.Descr)
	p.Category = string(raw.Category)
	if ts, err := strconv.ParseInt(string(raw.Start), 10, 64); err == nil {
		p.Start = time.Unix(ts, 0).UTC()
	}
	if ts, err := strconv.ParseInt(string(raw.Stop), 10, 64); err == nil {
		p.Stop = time.Unix(ts, 0).UTC()
	}
	return nil
}

// FlexString decodes a JSON string, number or bool into its string form. Null
// decodes to the empty string.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(trimmed)
	return nil
}

// ActiveStream is one in-flight relay held in the occupancy registry. A
// stream is Pending from account selection until the relay occupies it.
type ActiveStream struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"sourceId"`
	SourceName  string    `json:"sourceName"`
	AccountMAC  string    `json:"account"`
	ChannelID   string    `json:"channelId"`
	ChannelName string    `json:"channelName"`
	Client      string    `json:"client"`
	Web         bool      `json:"web"`
	Pending     bool      `json:"pending"`
	Start       time.Time `json:"startTime"`
}
