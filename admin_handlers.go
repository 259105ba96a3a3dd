package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"stb-proxy/work/cache"
	"stb-proxy/work/config"
	"stb-proxy/work/database"
	"stb-proxy/work/guide"
	"stb-proxy/work/logger"
	"stb-proxy/work/middleware"
	"stb-proxy/work/occupancy"
	"stb-proxy/work/portal"
	"stb-proxy/work/types"
	"stb-proxy/work/utils"
)

// adminPortal is the portal surface used by the admin API: the catalog calls
// plus the account info lookup used when validating MACs.
type adminPortal interface {
	guide.Portal
	GetAccountInfo(ctx context.Context, s portal.Session) (string, error)
}

// adminAPI holds the collaborators behind the JSON admin endpoints.
type adminAPI struct {
	db       *database.DB
	cache    *cache.Cache
	portal   adminPortal
	catalogs *guide.Builder
	workers  *ants.Pool
	registry *occupancy.Registry
	settings func() *config.Config
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Sources       int    `json:"sources"`
	Accounts      int    `json:"accounts"`
	ActiveStreams int    `json:"activeStreams"`
	DatabaseSize  int    `json:"databaseSizeBytes"`
	Uptime        string `json:"uptime"`
	MemoryUsage   string `json:"memoryUsage"`
	WorkerThreads int    `json:"workerThreads"`
	RunningTasks  int    `json:"runningTasks"`
}

// SourceRequest is the editable part of a source.
type SourceRequest struct {
	Name           string  `json:"name"`
	URL            string  `json:"url"`
	Enabled        *bool   `json:"enabled"`
	Proxy          string  `json:"proxy"`
	TryAllAccounts bool    `json:"tryAllAccounts"`
	EPGOffset      float64 `json:"epgOffset"`
}

// AccountsRequest adds MACs to a source.
type AccountsRequest struct {
	MACs       []string `json:"macs"`
	Proxy      string   `json:"proxy"`
	MaxStreams int      `json:"maxStreams"`
}

// AccountsResponse reports the outcome of an account validation run.
type AccountsResponse struct {
	Added []types.Account `json:"added"`
	Dead  []string        `json:"dead"`
}

var adminStartTime = time.Now()

// setupAdminRoutes registers the JSON admin API. Every route sits behind basic
// auth when security is enabled.
func setupAdminRoutes(router *mux.Router, api *adminAPI) {
	secured := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(middleware.BasicAuth(api.settings, h))
	}
	compressed := func(h http.HandlerFunc) http.HandlerFunc {
		return secured(middleware.GzipMiddleware(h))
	}

	router.HandleFunc("/api/sources", compressed(handleListSources(api))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sources", secured(handleCreateSource(api))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/sources/{id}", compressed(handleGetSource(api))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sources/{id}", secured(handleUpdateSource(api))).Methods("PUT", "OPTIONS")
	router.HandleFunc("/api/sources/{id}", secured(handleDeleteSource(api))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/sources/{id}/accounts", secured(handleAddAccounts(api))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/sources/{id}/accounts/{mac}", secured(handleDeleteAccount(api))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/sources/{id}/channels", compressed(handleGetChannels(api))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sources/{id}/channels", secured(handleSaveChannels(api))).Methods("PUT", "POST", "OPTIONS")
	router.HandleFunc("/api/sources/{id}/channels/reset", secured(handleResetChannels(api))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/settings", compressed(handleGetSettings(api))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/settings", secured(handleSetSettings(api))).Methods("PUT", "POST", "OPTIONS")
	router.HandleFunc("/api/stats", compressed(handleGetStats(api))).Methods("GET", "OPTIONS")
}

// corsMiddleware adds the CORS headers and answers preflight requests.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func handleListSources(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := api.db.LoadSources(r.Context())
		if err != nil {
			logger.Error("{admin_handlers - handleListSources} Failed to load sources: %v", err)
			http.Error(w, "Failed to load sources", http.StatusInternalServerError)
			return
		}
		if sources == nil {
			sources = []*types.Source{}
		}
		writeJSON(w, http.StatusOK, sources)
	}
}

func handleGetSource(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := loadSource(w, r, api)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, src)
	}
}

func handleCreateSource(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.URL) == "" {
			http.Error(w, "Name and URL are required", http.StatusBadRequest)
			return
		}

		src := &types.Source{Enabled: true}
		applySourceRequest(src, req)
		if err := api.db.SaveSource(r.Context(), src); err != nil {
			logger.Error("{admin_handlers - handleCreateSource} Failed to save source %s: %v", src.Name, err)
			http.Error(w, "Failed to save source", http.StatusInternalServerError)
			return
		}

		logger.Info("{admin_handlers - handleCreateSource} Added source %s (%s)", src.Name, src.ID)
		api.cache.InvalidateDocuments()
		writeJSON(w, http.StatusCreated, src)
	}
}

func handleUpdateSource(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := loadSource(w, r, api)
		if !ok {
			return
		}

		var req SourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		oldURL := src.URL
		applySourceRequest(src, req)
		if err := api.db.SaveSource(r.Context(), src); err != nil {
			logger.Error("{admin_handlers - handleUpdateSource} Failed to save source %s: %v", src.Name, err)
			http.Error(w, "Failed to save source", http.StatusInternalServerError)
			return
		}

		api.cache.InvalidateSource(src.ID, oldURL)
		api.cache.InvalidateSource(src.ID, src.URL)
		api.cache.InvalidateDocuments()
		logger.Info("{admin_handlers - handleUpdateSource} Updated source %s", src.Name)
		writeJSON(w, http.StatusOK, src)
	}
}

func handleDeleteSource(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := loadSource(w, r, api)
		if !ok {
			return
		}
		if err := api.db.DeleteSource(r.Context(), src.ID); err != nil {
			logger.Error("{admin_handlers - handleDeleteSource} Failed to delete source %s: %v", src.Name, err)
			http.Error(w, "Failed to delete source", http.StatusInternalServerError)
			return
		}

		api.cache.InvalidateSource(src.ID, src.URL)
		api.cache.InvalidateDocuments()
		logger.Info("{admin_handlers - handleDeleteSource} Deleted source %s", src.Name)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// handleAddAccounts validates and stores new MACs. With ?retest=true the
// existing accounts are validated again and the dead ones removed.
func handleAddAccounts(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := loadSource(w, r, api)
		if !ok {
			return
		}

		var req AccountsRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, "Invalid JSON", http.StatusBadRequest)
				return
			}
		}

		existing := make(map[string]types.Account, len(src.Accounts))
		for _, acc := range src.Accounts {
			existing[acc.MAC] = acc
		}

		var candidates []types.Account
		if r.URL.Query().Get("retest") == "true" {
			candidates = append(candidates, src.Accounts...)
		}
		seen := make(map[string]bool)
		for _, raw := range req.MACs {
			mac := strings.ToUpper(strings.TrimSpace(raw))
			if mac == "" || seen[mac] {
				continue
			}
			seen[mac] = true
			if _, ok := existing[mac]; ok {
				continue
			}
			candidates = append(candidates, types.Account{
				SourceID:   src.ID,
				MAC:        mac,
				Proxy:      req.Proxy,
				MaxStreams: req.MaxStreams,
				Enabled:    true,
			})
		}

		results := api.validateAccounts(r.Context(), src, candidates)

		cfg := api.settings()
		resp := AccountsResponse{Added: []types.Account{}, Dead: []string{}}
		for i, acc := range candidates {
			_, known := existing[acc.MAC]
			if !results[i] {
				resp.Dead = append(resp.Dead, acc.MAC)
				if known {
					if err := api.db.DeleteAccount(r.Context(), src.ID, acc.MAC); err != nil {
						logger.Error("{admin_handlers - handleAddAccounts} Failed to remove dead account %s: %v", utils.LogMAC(cfg, acc.MAC), err)
					}
				}
				continue
			}
			acc = candidates[i]
			if err := api.db.SaveAccount(r.Context(), &acc); err != nil {
				logger.Error("{admin_handlers - handleAddAccounts} Failed to save account %s: %v", utils.LogMAC(cfg, acc.MAC), err)
				http.Error(w, "Failed to save account", http.StatusInternalServerError)
				return
			}
			if !known {
				resp.Added = append(resp.Added, acc)
			}
		}

		if len(resp.Dead) > 0 {
			logger.Warn("{admin_handlers - handleAddAccounts} Source(%s) dropped %d dead MACs", src.Name, len(resp.Dead))
		}
		api.cache.InvalidateDocuments()
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDeleteAccount(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		err := api.db.DeleteAccount(r.Context(), vars["id"], vars["mac"])
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("{admin_handlers - handleDeleteAccount} Failed to delete account: %v", err)
			http.Error(w, "Failed to delete account", http.StatusInternalServerError)
			return
		}
		api.cache.InvalidateDocuments()
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// validateAccounts checks every candidate concurrently on the worker pool.
// The result at index i reports whether candidates[i] is alive; live accounts
// get their expiry filled in place.
func (api *adminAPI) validateAccounts(ctx context.Context, src *types.Source, candidates []types.Account) []bool {
	cfg := api.settings()
	alive := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			expiry, err := api.checkAccount(ctx, src, candidates[i])
			if err != nil {
				logger.Info("{admin_handlers - validateAccounts} Source(%s):Account(%s) failed validation: %v", src.Name, utils.LogMAC(cfg, candidates[i].MAC), err)
				return
			}
			alive[i] = true
			candidates[i].Expiry = expiry
		}
		if api.workers == nil {
			task()
			continue
		}
		if err := api.workers.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return alive
}

// checkAccount runs handshake, profile and account info for one MAC. An
// expiry the portal reports in an unknown format is left nil.
func (api *adminAPI) checkAccount(ctx context.Context, src *types.Source, acc types.Account) (*time.Time, error) {
	proxy := acc.EffectiveProxy(src)
	endpoint, err := api.portal.ResolvePortalURL(ctx, src.URL, proxy)
	if err != nil {
		return nil, err
	}
	session := portal.Session{Endpoint: endpoint, MAC: acc.MAC, Proxy: proxy}
	if session.Token, err = api.portal.Handshake(ctx, session); err != nil {
		return nil, err
	}
	if _, err := api.portal.GetProfile(ctx, session); err != nil {
		return nil, err
	}
	info, err := api.portal.GetAccountInfo(ctx, session)
	if err != nil {
		return nil, err
	}
	if t, ok := portal.ParseExpiry(info); ok {
		return &t, nil
	}
	logger.Debug("{admin_handlers - checkAccount} Unrecognized expiry %q for %s", info, utils.LogMAC(api.settings(), acc.MAC))
	return nil, nil
}

func handleGetSettings(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.settings().Public())
	}
}

// handleSetSettings merges the posted document over the current settings and
// saves them. Playlist, guide, auth and HDHR settings apply immediately; the
// stream and portal settings apply on the next start.
func handleSetSettings(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}

		next, err := api.settings().ApplyFile(body)
		if err != nil {
			logger.Warn("{admin_handlers - handleSetSettings} Rejected settings: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := config.SaveConfig(next); err != nil {
			logger.Error("{admin_handlers - handleSetSettings} Failed to save settings: %v", err)
			http.Error(w, "Failed to save settings", http.StatusInternalServerError)
			return
		}

		logger.SetLogLevel(next.LogLevel())
		api.cache.InvalidateDocuments()
		logger.Info("{admin_handlers - handleSetSettings} Settings updated")
		writeJSON(w, http.StatusOK, next.Public())
	}
}

func handleGetStats(api *adminAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStats, err := api.db.GetStats(r.Context())
		if err != nil {
			logger.Error("{admin_handlers - handleGetStats} Failed to read database stats: %v", err)
			http.Error(w, "Failed to read stats", http.StatusInternalServerError)
			return
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		stats := StatsResponse{
			Sources:       intStat(dbStats, "sources_count"),
			Accounts:      intStat(dbStats, "accounts_count"),
			DatabaseSize:  intStat(dbStats, "database_size_bytes"),
			ActiveStreams: api.registry.Len(),
			Uptime:        formatDuration(time.Since(adminStartTime)),
			MemoryUsage:   fmt.Sprintf("%.1f MB", float64(m.Alloc)/1024/1024),
		}
		if api.workers != nil {
			stats.WorkerThreads = api.workers.Cap()
			stats.RunningTasks = api.workers.Running()
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func intStat(stats map[string]interface{}, key string) int {
	v, _ := stats[key].(int)
	return v
}

// loadSource fetches the {id} source, answering 404 or 500 itself.
func loadSource(w http.ResponseWriter, r *http.Request, api *adminAPI) (*types.Source, bool) {
	id := mux.Vars(r)["id"]
	src, err := api.db.GetSource(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "Source not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		logger.Error("{admin_handlers - loadSource} Failed to load source %s: %v", id, err)
		http.Error(w, "Failed to load source", http.StatusInternalServerError)
		return nil, false
	}
	return src, true
}

func applySourceRequest(src *types.Source, req SourceRequest) {
	if name := strings.TrimSpace(req.Name); name != "" {
		src.Name = name
	}
	if u := strings.TrimSpace(req.URL); u != "" {
		src.URL = u
	}
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}
	src.Proxy = strings.TrimSpace(req.Proxy)
	src.TryAllAccounts = req.TryAllAccounts
	src.EPGOffset = req.EPGOffset
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin_handlers - writeJSON} Failed to encode response: %v", err)
	}
}

// formatDuration converts a duration to a short human-readable form.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
