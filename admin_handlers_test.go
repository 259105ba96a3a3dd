package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stb-proxy/work/cache"
	"stb-proxy/work/config"
	"stb-proxy/work/database"
	"stb-proxy/work/guide"
	"stb-proxy/work/occupancy"
	"stb-proxy/work/portal"
	"stb-proxy/work/types"
)

type stubPortal struct {
	dead     map[string]bool
	expiry   string
	channels []types.Channel
}

func (p *stubPortal) ResolvePortalURL(_ context.Context, rawURL, _ string) (string, error) {
	return rawURL, nil
}

func (p *stubPortal) Handshake(_ context.Context, s portal.Session) (string, error) {
	if p.dead[s.MAC] {
		return "", errors.New("handshake refused")
	}
	return "token", nil
}

func (p *stubPortal) GetProfile(context.Context, portal.Session) (map[string]any, error) {
	return map[string]any{}, nil
}

func (p *stubPortal) GetAccountInfo(context.Context, portal.Session) (string, error) {
	return p.expiry, nil
}

func (p *stubPortal) GetGenres(context.Context, portal.Session) (map[string]string, error) {
	return map[string]string{"1": "News"}, nil
}

func (p *stubPortal) GetAllChannels(context.Context, portal.Session, map[string]string) ([]types.Channel, error) {
	return p.channels, nil
}

func (p *stubPortal) GetEpg(context.Context, portal.Session, int) (map[string][]types.Programme, error) {
	return nil, nil
}

type adminFixture struct {
	db     *database.DB
	portal *stubPortal
	cfg    *config.Config
	router *mux.Router
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "stb-proxy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	workers, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(workers.Release)

	sp := &stubPortal{
		dead:   map[string]bool{},
		expiry: "2030-01-02 03:04:05",
		channels: []types.Channel{
			{ID: "10", Name: "World News", Number: "3", GenreID: "1", XMLTVID: "world.news"},
			{ID: "11", Name: "Match Day", Number: "1", GenreID: "2"},
		},
	}
	cfg := &config.Config{Host: "proxy:8001", ConfigDir: dir, Username: "admin"}
	cacheInstance := cache.NewCache(time.Minute)

	router := mux.NewRouter()
	setupAdminRoutes(router, &adminAPI{
		db:       db,
		cache:    cacheInstance,
		portal:   sp,
		catalogs: guide.NewBuilder(sp, db, workers, cacheInstance),
		workers:  workers,
		registry: occupancy.NewRegistry(),
		settings: func() *config.Config { return cfg },
	})
	return &adminFixture{db: db, portal: sp, cfg: cfg, router: router}
}

func (f *adminFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *adminFixture) createSource(t *testing.T) *types.Source {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/sources", SourceRequest{Name: "Alpha", URL: "http://portal.example/c/"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var src types.Source
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &src))
	return &src
}

func TestSourceCRUD(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sources", SourceRequest{Name: "", URL: "http://x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	src := f.createSource(t)
	assert.NotEmpty(t, src.ID)
	assert.True(t, src.Enabled)

	disabled := false
	rec = f.do(t, http.MethodPut, "/api/sources/"+src.ID, SourceRequest{Enabled: &disabled, TryAllAccounts: true, EPGOffset: 2})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.db.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", stored.Name)
	assert.False(t, stored.Enabled)
	assert.True(t, stored.TryAllAccounts)
	assert.Equal(t, 2.0, stored.EPGOffset)

	rec = f.do(t, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.Source
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = f.do(t, http.MethodDelete, "/api/sources/"+src.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sources/"+src.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddAccountsDropsDeadMACs(t *testing.T) {
	f := newAdminFixture(t)
	src := f.createSource(t)
	f.portal.dead["00:1A:79:00:00:02"] = true

	rec := f.do(t, http.MethodPost, "/api/sources/"+src.ID+"/accounts", AccountsRequest{
		MACs:       []string{"00:1a:79:00:00:01", "00:1A:79:00:00:02", "00:1A:79:00:00:01"},
		MaxStreams: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AccountsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"00:1A:79:00:00:02"}, resp.Dead)
	require.Len(t, resp.Added, 1)
	assert.Equal(t, "00:1A:79:00:00:01", resp.Added[0].MAC)

	stored, err := f.db.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Len(t, stored.Accounts, 1)
	acc := stored.Accounts[0]
	assert.Equal(t, 1, acc.MaxStreams)
	require.NotNil(t, acc.Expiry)
	assert.Equal(t, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC).Unix(), acc.Expiry.Unix())
}

func TestRetestRemovesAccountsThatDied(t *testing.T) {
	f := newAdminFixture(t)
	src := f.createSource(t)

	rec := f.do(t, http.MethodPost, "/api/sources/"+src.ID+"/accounts", AccountsRequest{
		MACs: []string{"00:1A:79:00:00:01", "00:1A:79:00:00:02"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	f.portal.dead["00:1A:79:00:00:01"] = true
	rec = f.do(t, http.MethodPost, "/api/sources/"+src.ID+"/accounts?retest=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AccountsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"00:1A:79:00:00:01"}, resp.Dead)
	assert.Empty(t, resp.Added)

	stored, err := f.db.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Len(t, stored.Accounts, 1)
	assert.Equal(t, "00:1A:79:00:00:02", stored.Accounts[0].MAC)

	rec = f.do(t, http.MethodDelete, "/api/sources/"+src.ID+"/accounts/00:1A:79:00:00:02", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/sources/"+src.ID+"/accounts/00:1A:79:00:00:02", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChannelEditor(t *testing.T) {
	f := newAdminFixture(t)
	src := f.createSource(t)
	rec := f.do(t, http.MethodPost, "/api/sources/"+src.ID+"/accounts", AccountsRequest{MACs: []string{"00:1A:79:00:00:01"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/sources/"+src.ID+"/channels", ChannelEdits{
		Enabled:   []ChannelEdit{{ChannelID: "10", Enabled: true}, {ChannelID: "11", Enabled: true}},
		Names:     []ChannelEdit{{ChannelID: "11", Value: "Sport 1"}},
		Groups:    []ChannelEdit{{ChannelID: "11", Value: "Sports"}},
		Fallbacks: []ChannelEdit{{ChannelID: "10", Value: "BBC News"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, "/api/sources/"+src.ID+"/channels", ChannelEdits{
		Enabled: []ChannelEdit{{ChannelID: "10", Enabled: false}},
		Groups:  []ChannelEdit{{ChannelID: "11", Value: ""}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sources/"+src.ID+"/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rows []ChannelRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)

	assert.Equal(t, ChannelRow{
		Enabled:       false,
		ChannelName:   "World News",
		ChannelNumber: "3",
		Genre:         "News",
		ChannelID:     "10",
		EPGID:         "world.news",
		Fallback:      "BBC News",
		Link:          "http://proxy:8001/play/" + src.ID + "/10?web=true",
	}, rows[0])
	assert.True(t, rows[1].Enabled)
	assert.Equal(t, "Sport 1", rows[1].CustomChannelName)
	assert.Empty(t, rows[1].CustomGenre)

	rec = f.do(t, http.MethodPost, "/api/sources/"+src.ID+"/channels/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := f.db.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.EnabledChannels)
	assert.Empty(t, stored.CustomNames)
	assert.Empty(t, stored.FallbackChannels)
}

func TestChannelEditorNeedsWorkingAccount(t *testing.T) {
	f := newAdminFixture(t)
	src := f.createSource(t)

	rec := f.do(t, http.MethodGet, "/api/sources/"+src.ID+"/channels", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newAdminFixture(t)
	t.Cleanup(config.ClearConfigCache)

	rec := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	rec = f.do(t, http.MethodPut, "/api/settings", map[string]interface{}{
		"streamMethod": "ffmpeg",
		"enableHdhr":   true,
		"password":     "hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var public config.ConfigFile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &public))
	assert.Equal(t, "ffmpeg", public.StreamMethod)
	assert.True(t, public.EnableHDHR)
	assert.Empty(t, public.PasswordHash)

	saved, err := config.Load(filepath.Join(f.cfg.ConfigDir, "settings.json"))
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg", saved.StreamMethod)
	assert.True(t, saved.CheckCredentials("admin", "hunter2"))

	rec = f.do(t, http.MethodPut, "/api/settings", map[string]interface{}{"streamTimeout": "forever"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireCredentials(t *testing.T) {
	f := newAdminFixture(t)
	f.cfg.EnableSecurity = true
	require.NoError(t, f.cfg.SetPassword("secret"))

	rec := f.do(t, http.MethodGet, "/api/sources", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	req = httptest.NewRequest(http.MethodOptions, "/api/sources", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "5m", formatDuration(5*time.Minute))
	assert.Equal(t, "2h 30m", formatDuration(150*time.Minute))
	assert.Equal(t, "1d 3h", formatDuration(27*time.Hour))
}

func TestListenPort(t *testing.T) {
	assert.Equal(t, "9000", listenPort("proxy:9000"))
	assert.Equal(t, "8001", listenPort("proxy"))
}
