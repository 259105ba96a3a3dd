package handlers

import (
	"net/http"

	"stb-proxy/work/guide"
	"stb-proxy/work/logger"
)

type discoverResponse struct {
	BaseURL         string `json:"BaseURL"`
	DeviceAuth      string `json:"DeviceAuth"`
	DeviceID        string `json:"DeviceID"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	FriendlyName    string `json:"FriendlyName"`
	LineupURL       string `json:"LineupURL"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	TunerCount      int    `json:"TunerCount"`
}

type lineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// hdhrEnabled answers 404 and returns false while emulation is off.
func hdhrEnabled(w http.ResponseWriter, r *http.Request, settings Settings) bool {
	if !settings().EnableHDHR {
		http.NotFound(w, r)
		return false
	}
	return true
}

// HandleDiscover serves /discover.json.
func HandleDiscover(settings Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hdhrEnabled(w, r, settings) {
			return
		}
		cfg := settings()
		base := "http://" + cfg.Host
		writeJSON(w, http.StatusOK, discoverResponse{
			BaseURL:         base,
			DeviceAuth:      cfg.HDHRName,
			DeviceID:        cfg.HDHRID,
			FirmwareName:    "STB-Proxy",
			FirmwareVersion: "1337",
			FriendlyName:    cfg.HDHRName,
			LineupURL:       base + "/lineup.json",
			Manufacturer:    "Silicondust",
			ModelNumber:     "HDTC-2US",
			TunerCount:      cfg.HDHRTuners,
		})
	}
}

// HandleLineupStatus serves /lineup_status.json.
func HandleLineupStatus(settings Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hdhrEnabled(w, r, settings) {
			return
		}
		writeJSON(w, http.StatusOK, lineupStatus{
			ScanInProgress: 0,
			ScanPossible:   0,
			Source:         "Cable",
			SourceList:     []string{"Cable"},
		})
	}
}

// HandleLineup serves /lineup.json.
func HandleLineup(docs Documents, settings Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hdhrEnabled(w, r, settings) {
			return
		}
		lineup, err := docs.Lineup(r.Context(), guide.OptionsFromConfig(settings()))
		if err != nil {
			logger.Error("{handlers/hdhr - HandleLineup} Failed to build lineup: %v", err)
			http.Error(w, "Failed to build lineup", http.StatusInternalServerError)
			return
		}
		if lineup == nil {
			lineup = []guide.LineupEntry{}
		}
		writeJSON(w, http.StatusOK, lineup)
	}
}

// HandleLineupPost accepts the scan trigger sent to /lineup.post.
func HandleLineupPost(settings Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hdhrEnabled(w, r, settings) {
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
