package main

import (
	"encoding/json"
	"net/http"

	"stb-proxy/work/guide"
	"stb-proxy/work/logger"
	"stb-proxy/work/types"
)

// ChannelRow is one line of the channel editor: the upstream channel next to
// the operator's overrides.
type ChannelRow struct {
	Enabled             bool   `json:"enabled"`
	ChannelName         string `json:"channelName"`
	CustomChannelName   string `json:"customChannelName"`
	ChannelNumber       string `json:"channelNumber"`
	CustomChannelNumber string `json:"customChannelNumber"`
	Genre               string `json:"genre"`
	CustomGenre         string `json:"customGenre"`
	ChannelID           string `json:"channelId"`
	EPGID               string `json:"epgId"`
	CustomEPGID         string `json:"customEpgId"`
	Fallback            string `json:"fallbackChannel"`
	Link                string `json:"link"`
}

// ChannelEdit changes one field of one channel. Enabled is used by the
// enable list, Value by every other list. An empty Value clears the override.
type ChannelEdit struct {
	ChannelID string `json:"channelId"`
	Enabled   bool   `json:"enabled"`
	Value     string `json:"value"`
}

// ChannelEdits is the body of the channel editor save.
type ChannelEdits struct {
	Enabled   []ChannelEdit `json:"enabled"`
	Numbers   []ChannelEdit `json:"numbers"`
	Names     []ChannelEdit `json:"names"`
	Groups    []ChannelEdit `json:"groups"`
	EPGIDs    []ChannelEdit `json:"epgIds"`
	Fallbacks []ChannelEdit `json:"fallbacks"`
}

// handleGetChannels lists the upstream channels of a source merged with its
// customizations.
func handleGetChannels(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := loadSource(w, r, api)
		if !ok {
			return
		}

		cat, err := api.catalogs.Catalog(r.Context(), src, false, 0)
		if err != nil {
			logger.Error("{admin_channels - handleGetChannels} Failed to list channels of %s: %v", src.Name, err)
			http.Error(w, "Unable to fetch channels from portal", http.StatusBadGateway)
			return
		}

		host := api.settings().Host
		rows := make([]ChannelRow, 0, len(cat.Channels))
		for _, ch := range cat.Channels {
			rows = append(rows, ChannelRow{
				Enabled:             src.IsChannelEnabled(ch.ID),
				ChannelName:         ch.Name,
				CustomChannelName:   src.CustomNames[ch.ID],
				ChannelNumber:       ch.Number,
				CustomChannelNumber: src.CustomNumbers[ch.ID],
				Genre:               cat.Genres[ch.GenreID],
				CustomGenre:         src.CustomGroups[ch.ID],
				ChannelID:           ch.ID,
				EPGID:               ch.XMLTVID,
				CustomEPGID:         src.CustomEPGIDs[ch.ID],
				Fallback:            src.FallbackChannels[ch.ID],
				Link:                guide.PlayURL(host, src.ID, ch.ID) + "?web=true",
			})
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// handleSaveChannels applies channel editor changes to a source.
func handleSaveChannels(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := loadSource(w, r, api)
		if !ok {
			return
		}

		var edits ChannelEdits
		if err := json.NewDecoder(r.Body).Decode(&edits); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		applyChannelEdits(src, edits)
		if err := api.db.SaveSource(r.Context(), src); err != nil {
			logger.Error("{admin_channels - handleSaveChannels} Failed to save channels of %s: %v", src.Name, err)
			http.Error(w, "Failed to save channels", http.StatusInternalServerError)
			return
		}

		api.cache.InvalidateDocuments()
		logger.Info("{admin_channels - handleSaveChannels} Saved channel edits for %s", src.Name)
		writeJSON(w, http.StatusOK, src)
	}
}

// handleResetChannels drops every channel customization of a source.
func handleResetChannels(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := loadSource(w, r, api)
		if !ok {
			return
		}

		src.EnabledChannels = nil
		src.CustomNames = map[string]string{}
		src.CustomNumbers = map[string]string{}
		src.CustomGroups = map[string]string{}
		src.CustomEPGIDs = map[string]string{}
		src.FallbackChannels = map[string]string{}
		if err := api.db.SaveSource(r.Context(), src); err != nil {
			logger.Error("{admin_channels - handleResetChannels} Failed to reset channels of %s: %v", src.Name, err)
			http.Error(w, "Failed to reset channels", http.StatusInternalServerError)
			return
		}

		api.cache.InvalidateDocuments()
		logger.Info("{admin_channels - handleResetChannels} Reset channel edits for %s", src.Name)
		writeJSON(w, http.StatusOK, src)
	}
}

func applyChannelEdits(src *types.Source, edits ChannelEdits) {
	for _, e := range edits.Enabled {
		src.EnabledChannels = setEnabled(src.EnabledChannels, e.ChannelID, e.Enabled)
	}
	src.CustomNumbers = setOverrides(src.CustomNumbers, edits.Numbers)
	src.CustomNames = setOverrides(src.CustomNames, edits.Names)
	src.CustomGroups = setOverrides(src.CustomGroups, edits.Groups)
	src.CustomEPGIDs = setOverrides(src.CustomEPGIDs, edits.EPGIDs)
	src.FallbackChannels = setOverrides(src.FallbackChannels, edits.Fallbacks)
}

func setEnabled(list []string, channelID string, enabled bool) []string {
	for i, id := range list {
		if id != channelID {
			continue
		}
		if enabled {
			return list
		}
		return append(list[:i:i], list[i+1:]...)
	}
	if enabled {
		list = append(list, channelID)
	}
	return list
}

func setOverrides(m map[string]string, edits []ChannelEdit) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	for _, e := range edits {
		if e.Value == "" {
			delete(m, e.ChannelID)
			continue
		}
		m[e.ChannelID] = e.Value
	}
	return m
}
