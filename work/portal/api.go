package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	regexp "github.com/grafana/regexp"

	"stb-proxy/work/logger"
	"stb-proxy/work/types"
)

const (
	// linkPlaceholder marks a channel command that needs a create_link call.
	linkPlaceholder = "http://localhost/"

	// adultPageCap bounds the extra get_ordered_list pages fetched per adult genre.
	adultPageCap = 50
)

var adultGenre = regexp.MustCompile(`(?i)adult|xxx|porn`)

// Handshake obtains a bearer token for the session's MAC.
func (c *Client) Handshake(ctx context.Context, s Session) (string, error) {
	s.Token = ""
	return withRetry(ctx, c, "handshake", s.Endpoint, func(ctx context.Context) (string, error) {
		js, err := c.get(ctx, s, url.Values{"type": {"stb"}, "action": {"handshake"}})
		if err != nil {
			return "", err
		}
		var payload struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(js, &payload); err != nil {
			return "", err
		}
		if payload.Token == "" {
			return "", errors.New("no token in handshake response")
		}
		return payload.Token, nil
	})
}

// GetProfile fetches the STB profile. Portals expect it after the handshake
// before they answer channel calls.
func (c *Client) GetProfile(ctx context.Context, s Session) (map[string]any, error) {
	return withRetry(ctx, c, "get_profile", s.Endpoint, func(ctx context.Context) (map[string]any, error) {
		js, err := c.get(ctx, s, url.Values{"type": {"stb"}, "action": {"get_profile"}})
		if err != nil {
			return nil, err
		}
		profile := make(map[string]any)
		if err := json.Unmarshal(js, &profile); err != nil {
			return nil, err
		}
		return profile, nil
	})
}

// GetAccountInfo returns the account validity string portals report in the
// "phone" field of get_main_info, usually the subscription end date.
func (c *Client) GetAccountInfo(ctx context.Context, s Session) (string, error) {
	return withRetry(ctx, c, "get_main_info", s.Endpoint, func(ctx context.Context) (string, error) {
		js, err := c.get(ctx, s, url.Values{"type": {"account_info"}, "action": {"get_main_info"}})
		if err != nil {
			return "", err
		}
		var payload struct {
			Phone types.FlexString `json:"phone"`
		}
		if err := json.Unmarshal(js, &payload); err != nil {
			return "", err
		}
		if payload.Phone == "" {
			return "", errors.New("no expiry in account info")
		}
		return string(payload.Phone), nil
	})
}

// GetGenres returns the live genres as genre id -> title.
func (c *Client) GetGenres(ctx context.Context, s Session) (map[string]string, error) {
	return withRetry(ctx, c, "get_genres", s.Endpoint, func(ctx context.Context) (map[string]string, error) {
		js, err := c.get(ctx, s, url.Values{"type": {"itv"}, "action": {"get_genres"}})
		if err != nil {
			return nil, err
		}
		var entries []struct {
			ID    types.FlexString `json:"id"`
			Title types.FlexString `json:"title"`
		}
		if err := json.Unmarshal(js, &entries); err != nil {
			return nil, err
		}
		genres := make(map[string]string, len(entries))
		for _, e := range entries {
			genres[string(e.ID)] = string(e.Title)
		}
		if len(genres) == 0 {
			return nil, errors.New("no genres")
		}
		return genres, nil
	})
}

// GetAllChannels fetches the full live channel list. When genres contains
// adult categories, which portals leave out of get_all_channels, their pages
// are fetched too and appended. A failing adult page ends that genre without
// failing the call.
func (c *Client) GetAllChannels(ctx context.Context, s Session, genres map[string]string) ([]types.Channel, error) {
	channels, err := withRetry(ctx, c, "get_all_channels", s.Endpoint, func(ctx context.Context) ([]types.Channel, error) {
		js, err := c.get(ctx, s, url.Values{
			"type":                {"itv"},
			"action":              {"get_all_channels"},
			"force_ch_link_check": {""},
		})
		if err != nil {
			return nil, err
		}
		return decodeChannelPage(js)
	})
	if err != nil {
		return nil, err
	}

	for id, title := range genres {
		if !adultGenre.MatchString(title) {
			continue
		}
		for page := 1; page <= adultPageCap; page++ {
			js, err := c.get(ctx, s, url.Values{
				"type":   {"itv"},
				"action": {"get_ordered_list"},
				"genre":  {id},
				"p":      {strconv.Itoa(page)},
			})
			if err != nil {
				logger.Warn("{portal/api - GetAllChannels} Adult genre %s page %d failed: %v", title, page, err)
				break
			}
			extra, err := decodeChannelPage(js)
			if err != nil {
				logger.Warn("{portal/api - GetAllChannels} Adult genre %s page %d unreadable: %v", title, page, err)
				break
			}
			if len(extra) == 0 {
				break
			}
			channels = append(channels, extra...)
		}
	}

	if len(channels) == 0 {
		return nil, &UpstreamError{Op: "get_all_channels", URL: s.Endpoint, Err: errors.New("no channels")}
	}
	return channels, nil
}

func decodeChannelPage(js json.RawMessage) ([]types.Channel, error) {
	var payload struct {
		Data []types.Channel `json:"data"`
	}
	if err := json.Unmarshal(js, &payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

// ResolveLink turns a channel command into a playable URL. Commands holding the
// localhost placeholder go through create_link and yield the last token of the
// returned command; any other command already carries the URL as its second
// token and needs no portal call.
func (c *Client) ResolveLink(ctx context.Context, s Session, cmd string) (string, error) {
	if !strings.Contains(cmd, linkPlaceholder) {
		return linkFromCommand(cmd)
	}

	return withRetry(ctx, c, "create_link", s.Endpoint, func(ctx context.Context) (string, error) {
		js, err := c.get(ctx, s, url.Values{
			"type":                {"itv"},
			"action":              {"create_link"},
			"cmd":                 {cmd},
			"series":              {"0"},
			"forced_storage":      {"false"},
			"disable_ad":          {"false"},
			"download":            {"false"},
			"force_ch_link_check": {"false"},
		})
		if err != nil {
			return "", err
		}
		var payload struct {
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(js, &payload); err != nil {
			return "", err
		}
		fields := strings.Fields(payload.Cmd)
		if len(fields) == 0 {
			return "", errors.New("empty link")
		}
		return fields[len(fields)-1], nil
	})
}

func linkFromCommand(cmd string) (string, error) {
	fields := strings.Fields(cmd)
	switch len(fields) {
	case 0:
		return "", fmt.Errorf("empty channel command")
	case 1:
		return fields[0], nil
	default:
		return fields[1], nil
	}
}

// GetEpg returns programmes for the next periodHours keyed by channel id.
// Portals without guide data answer with an empty list, which yields an empty
// map.
func (c *Client) GetEpg(ctx context.Context, s Session, periodHours int) (map[string][]types.Programme, error) {
	return withRetry(ctx, c, "get_epg_info", s.Endpoint, func(ctx context.Context) (map[string][]types.Programme, error) {
		js, err := c.get(ctx, s, url.Values{
			"type":   {"itv"},
			"action": {"get_epg_info"},
			"period": {strconv.Itoa(periodHours)},
		})
		if err != nil {
			return nil, err
		}
		var payload struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(js, &payload); err != nil {
			return nil, err
		}
		epg := make(map[string][]types.Programme)
		trimmed := strings.TrimSpace(string(payload.Data))
		if trimmed == "" || trimmed == "null" || strings.HasPrefix(trimmed, "[") {
			return epg, nil
		}
		if err := json.Unmarshal(payload.Data, &epg); err != nil {
			return nil, err
		}
		return epg, nil
	})
}

var expiryLayouts = []string{
	"January 2, 2006, 3:04 pm",
	"January 2, 2006, 15:04",
	"January 2, 2006",
	"Jan 2, 2006, 3:04 pm",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
	"02/01/2006",
}

// ParseExpiry interprets the validity string returned by GetAccountInfo.
// Unparseable values return false; such accounts keep an unknown expiry.
func ParseExpiry(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0).UTC(), true
	}
	normalized := strings.Join(strings.Fields(raw), " ")
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			return t.UTC(), true
		}
	}
	lowered := strings.Replace(strings.Replace(normalized, "AM", "am", 1), "PM", "pm", 1)
	if t, err := time.Parse("January 2, 2006, 3:04 pm", lowered); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
