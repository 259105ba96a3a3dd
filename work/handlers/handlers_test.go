package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stb-proxy/work/config"
	"stb-proxy/work/guide"
	"stb-proxy/work/occupancy"
	"stb-proxy/work/resolver"
	"stb-proxy/work/restream"
	"stb-proxy/work/types"
)

type fakeResolver struct {
	got    resolver.Request
	result *resolver.Result
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, req resolver.Request) (*resolver.Result, error) {
	f.got = req
	return f.result, f.err
}

type fakeRelay struct {
	got    restream.Playback
	called bool
}

func (f *fakeRelay) Serve(w http.ResponseWriter, _ *http.Request, pb restream.Playback) restream.Outcome {
	f.called = true
	f.got = pb
	w.Write([]byte("media"))
	return restream.Outcome{Termination: restream.Completed}
}

type fakeDocuments struct {
	err error
}

func (f fakeDocuments) Playlist(context.Context, guide.Options) ([]byte, error) {
	return []byte("#EXTM3U\n"), f.err
}

func (f fakeDocuments) XMLTV(context.Context, guide.Options) ([]byte, error) {
	return []byte("<tv></tv>"), f.err
}

func (f fakeDocuments) Lineup(_ context.Context, opts guide.Options) ([]guide.LineupEntry, error) {
	return []guide.LineupEntry{{GuideNumber: "1", GuideName: "News", URL: guide.PlayURL(opts.Host, "a", "10")}}, f.err
}

func settingsFor(cfg *config.Config) Settings {
	return func() *config.Config { return cfg }
}

func serve(t *testing.T, route string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc(route, h)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlePlayRelaysResolvedLink(t *testing.T) {
	res := &fakeResolver{result: &resolver.Result{
		Link:        "http://upstream/ch.ts",
		Proxy:       "http://proxy:3128",
		Source:      &types.Source{ID: "a", Name: "Alpha"},
		Account:     types.Account{MAC: "00:1A:79:00:00:01"},
		ChannelID:   "10",
		ChannelName: "News",
	}}
	relay := &fakeRelay{}

	req := httptest.NewRequest(http.MethodGet, "/play/a/10?web=true", nil)
	req.RemoteAddr = "10.0.0.5:51000"
	rec := serve(t, "/play/{sourceId}/{channelId}", HandlePlay(res, relay), req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "media", rec.Body.String())
	assert.Equal(t, resolver.Request{SourceID: "a", ChannelID: "10", Client: "10.0.0.5", Web: true}, res.got)

	require.True(t, relay.called)
	assert.Equal(t, "http://upstream/ch.ts", relay.got.Link)
	assert.Equal(t, "http://proxy:3128", relay.got.Proxy)
	assert.Equal(t, "Alpha", relay.got.SourceName)
	assert.Equal(t, "00:1A:79:00:00:01", relay.got.AccountMAC)
	assert.Equal(t, "News", relay.got.ChannelName)
	assert.Equal(t, "10.0.0.5", relay.got.Client)
	assert.True(t, relay.got.Web)
}

func TestHandlePlayNoStreams(t *testing.T) {
	res := &fakeResolver{err: resolver.ErrNoStreamsAvailable}
	relay := &fakeRelay{}

	req := httptest.NewRequest(http.MethodGet, "/play/a/10", nil)
	rec := serve(t, "/play/{sourceId}/{channelId}", HandlePlay(res, relay), req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "No streams available")
	assert.False(t, relay.called)
	assert.False(t, res.got.Web)
}

func TestHandleStreamingSnapshot(t *testing.T) {
	registry := occupancy.NewRegistry()

	rec := httptest.NewRecorder()
	HandleStreaming(registry)(rec, httptest.NewRequest(http.MethodGet, "/streaming", nil))
	assert.JSONEq(t, `{}`, rec.Body.String())

	lease, ok := registry.Reserve(types.ActiveStream{SourceID: "a", AccountMAC: "00:1A:79:00:00:01", Client: "10.0.0.5"}, 1)
	require.True(t, ok)
	lease.Activate("News")
	defer lease.Release()

	rec = httptest.NewRecorder()
	HandleStreaming(registry)(rec, httptest.NewRequest(http.MethodGet, "/streaming", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string][]types.ActiveStream
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got["a"], 1)
	assert.Equal(t, "News", got["a"][0].ChannelName)
	assert.False(t, got["a"][0].Pending)
}

func TestHandlePlaylistAndXMLTV(t *testing.T) {
	settings := settingsFor(&config.Config{Host: "proxy:8001"})

	rec := httptest.NewRecorder()
	HandlePlaylist(fakeDocuments{}, settings)(rec, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-mpegURL", rec.Header().Get("Content-Type"))
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())

	rec = httptest.NewRecorder()
	HandleXMLTV(fakeDocuments{}, settings)(rec, httptest.NewRequest(http.MethodGet, "/xmltv", nil))
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "<tv></tv>", rec.Body.String())

	rec = httptest.NewRecorder()
	HandlePlaylist(fakeDocuments{err: errors.New("boom")}, settings)(rec, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHDHRRoutesFollowSetting(t *testing.T) {
	cfg := &config.Config{Host: "proxy:8001", HDHRName: "STB-Proxy", HDHRID: "abc123", HDHRTuners: 2}
	settings := settingsFor(cfg)

	rec := httptest.NewRecorder()
	HandleDiscover(settings)(rec, httptest.NewRequest(http.MethodGet, "/discover.json", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	cfg.EnableHDHR = true

	rec = httptest.NewRecorder()
	HandleDiscover(settings)(rec, httptest.NewRequest(http.MethodGet, "/discover.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var discover discoverResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &discover))
	assert.Equal(t, "http://proxy:8001", discover.BaseURL)
	assert.Equal(t, "http://proxy:8001/lineup.json", discover.LineupURL)
	assert.Equal(t, "abc123", discover.DeviceID)
	assert.Equal(t, 2, discover.TunerCount)

	rec = httptest.NewRecorder()
	HandleLineup(fakeDocuments{}, settings)(rec, httptest.NewRequest(http.MethodGet, "/lineup.json", nil))
	assert.JSONEq(t, `[{"GuideNumber":"1","GuideName":"News","URL":"http://proxy:8001/play/a/10"}]`, rec.Body.String())

	rec = httptest.NewRecorder()
	HandleLineupStatus(settings)(rec, httptest.NewRequest(http.MethodGet, "/lineup_status.json", nil))
	assert.JSONEq(t, `{"ScanInProgress":0,"ScanPossible":0,"Source":"Cable","SourceList":["Cable"]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	HandleLineupPost(settings)(rec, httptest.NewRequest(http.MethodPost, "/lineup.post", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleLogReturnsTail(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{ConfigDir: dir}

	rec := httptest.NewRecorder()
	HandleLog(settingsFor(cfg))(rec, httptest.NewRequest(http.MethodGet, "/log", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	content := strings.Repeat("a", maxLogBytes) + "last line\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stb-proxy.log"), []byte(content), 0644))

	rec = httptest.NewRecorder()
	HandleLog(settingsFor(cfg))(rec, httptest.NewRequest(http.MethodGet, "/log", nil))
	assert.Len(t, rec.Body.String(), maxLogBytes)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "last line\n"))
}
