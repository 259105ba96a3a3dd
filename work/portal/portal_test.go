package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stb-proxy/work/cache"
)

// fakePortal answers the Stalker actions the client uses and counts calls per
// action.
type fakePortal struct {
	mu    sync.Mutex
	calls map[string]int
	pages map[string][]string // "genre/page" -> channel ids
	fail  bool
}

func newFakePortal() *fakePortal {
	return &fakePortal{calls: make(map[string]int), pages: make(map[string][]string)}
}

func (f *fakePortal) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

func (f *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := q.Get("action")

	f.mu.Lock()
	f.calls[action]++
	fail := f.fail
	f.mu.Unlock()

	if fail {
		http.Error(w, "down", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/javascript")
	switch action {
	case "handshake":
		fmt.Fprint(w, `{"js":{"token":"TOKEN123"}}`)
	case "get_profile":
		if r.Header.Get("Authorization") != "Bearer TOKEN123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"js":{"id":42,"status":0}}`)
	case "get_main_info":
		fmt.Fprint(w, `{"js":{"mac":"00:1A:79:00:00:01","phone":"January 5, 2030, 12:00 am"}}`)
	case "get_genres":
		fmt.Fprint(w, `{"js":[{"id":"*","title":"All"},{"id":7,"title":"Adult"}]}`)
	case "get_all_channels":
		fmt.Fprint(w, `{"js":{"data":[{"id":"1","name":"News","number":"1","cmd":"ffmpeg http://localhost/ch/1_"},{"id":2,"name":"Sports","cmd":"ffmpeg http://cdn.example/2.ts"}]}}`)
	case "get_ordered_list":
		ids := f.pages[q.Get("genre")+"/"+q.Get("p")]
		fmt.Fprint(w, `{"js":{"data":[`)
		for i, id := range ids {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"id":"%s","name":"Adult %s","cmd":"ffmpeg http://localhost/ch/%s"}`, id, id, id)
		}
		fmt.Fprint(w, `]}}`)
	case "create_link":
		fmt.Fprintf(w, `{"js":{"cmd":"ffmpeg http://real.example/live/%s?token=abc"}}`, "1")
	case "get_epg_info":
		if q.Get("period") == "0" {
			fmt.Fprint(w, `{"js":{"data":[]}}`)
			return
		}
		fmt.Fprint(w, `{"js":{"data":{"1":[{"ch_id":"1","name":"Morning","descr":"News","category":"news","start_timestamp":"1700000000","stop_timestamp":1700003600}]}}}`)
	default:
		http.NotFound(w, r)
	}
}

func testOptions() Options {
	return Options{
		Retries:        4,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func newSession(t *testing.T, fp *fakePortal) Session {
	t.Helper()
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)
	return Session{Endpoint: srv.URL + "/portal.php", MAC: "00:1A:79:00:00:01"}
}

func TestHandshakeAndAccountCalls(t *testing.T) {
	fp := newFakePortal()
	s := newSession(t, fp)
	c := New(testOptions(), nil)
	ctx := context.Background()

	token, err := c.Handshake(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "TOKEN123", token)

	s.Token = token
	profile, err := c.GetProfile(ctx, s)
	require.NoError(t, err)
	assert.EqualValues(t, 42, profile["id"])

	info, err := c.GetAccountInfo(ctx, s)
	require.NoError(t, err)
	expiry, ok := ParseExpiry(info)
	require.True(t, ok)
	assert.Equal(t, time.Date(2030, time.January, 5, 0, 0, 0, 0, time.UTC), expiry)

	genres, err := c.GetGenres(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"*": "All", "7": "Adult"}, genres)
}

func TestFailuresSurfaceAsUpstreamUnavailable(t *testing.T) {
	fp := newFakePortal()
	fp.fail = true
	s := newSession(t, fp)
	c := New(testOptions(), nil)

	_, err := c.Handshake(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "handshake", upstream.Op)
	assert.Equal(t, 4, fp.count("handshake"))
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	fp := newFakePortal()
	fp.fail = true
	s := newSession(t, fp)
	opts := testOptions()
	opts.BackoffInitial = time.Second
	opts.BackoffMax = time.Second
	c := New(opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Handshake(ctx, s)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 1, fp.count("handshake"))
}

func TestGetAllChannelsAppendsAdultGenrePages(t *testing.T) {
	fp := newFakePortal()
	fp.pages["7/1"] = []string{"100", "101"}
	fp.pages["7/2"] = []string{"102"}
	s := newSession(t, fp)
	s.Token = "TOKEN123"
	c := New(testOptions(), nil)

	channels, err := c.GetAllChannels(context.Background(), s, map[string]string{"*": "All", "7": "Adult"})
	require.NoError(t, err)

	var ids []string
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	assert.Equal(t, []string{"1", "2", "100", "101", "102"}, ids)
	// pages 1 and 2 carry data, page 3 is empty and ends the genre
	assert.Equal(t, 3, fp.count("get_ordered_list"))
}

func TestGetAllChannelsWithoutGenresSkipsPaging(t *testing.T) {
	fp := newFakePortal()
	s := newSession(t, fp)
	c := New(testOptions(), nil)

	channels, err := c.GetAllChannels(context.Background(), s, nil)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "Sports", channels[1].Name)
	assert.Equal(t, 0, fp.count("get_ordered_list"))
}

func TestResolveLink(t *testing.T) {
	fp := newFakePortal()
	s := newSession(t, fp)
	s.Token = "TOKEN123"
	c := New(testOptions(), nil)
	ctx := context.Background()

	link, err := c.ResolveLink(ctx, s, "ffmpeg http://localhost/ch/1_")
	require.NoError(t, err)
	assert.Equal(t, "http://real.example/live/1?token=abc", link)
	assert.Equal(t, 1, fp.count("create_link"))

	link, err = c.ResolveLink(ctx, s, "ffmpeg http://cdn.example/2.ts")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.example/2.ts", link)
	assert.Equal(t, 1, fp.count("create_link"))

	_, err = c.ResolveLink(ctx, s, "   ")
	assert.Error(t, err)
}

func TestGetEpg(t *testing.T) {
	fp := newFakePortal()
	s := newSession(t, fp)
	c := New(testOptions(), nil)
	ctx := context.Background()

	epg, err := c.GetEpg(ctx, s, 24)
	require.NoError(t, err)
	require.Len(t, epg["1"], 1)
	p := epg["1"][0]
	assert.Equal(t, "Morning", p.Title)
	assert.Equal(t, int64(1700000000), p.Start.Unix())
	assert.Equal(t, int64(1700003600), p.Stop.Unix())

	empty, err := c.GetEpg(ctx, s, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

const bootstrapScript = `
var pattern = /(https?):\/\/([^\/]*)\/([\w\/]+)*\/c\//;
this.portal_protocol = document.URL.replace(pattern, '$1');
this.portal_ip = document.URL.replace(pattern, '$2');
this.portal_path = document.URL.replace(pattern, '$3');
this.ajax_loader = this.portal_protocol + '://' + this.portal_ip + '/' + this.portal_path + '/server/load.php';
`

func TestResolvePortalURLScrapesBootstrapScript(t *testing.T) {
	var probed []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		probed = append(probed, r.URL.Path)
		mu.Unlock()
		if r.URL.Path != "/stalker_portal/c/xpcom.common.js" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, bootstrapScript)
	}))
	defer srv.Close()

	ch := cache.NewCache(time.Minute)
	c := New(testOptions(), ch)

	endpoint, err := c.ResolvePortalURL(context.Background(), srv.URL+"/stalker_portal/c/", "")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/stalker_portal/server/load.php", endpoint)
	assert.Equal(t, []string{
		"/c/xpcom.common.js",
		"/client/xpcom.common.js",
		"/c_/xpcom.common.js",
		"/stalker_portal/c/xpcom.common.js",
	}, probed)

	// second lookup is served from the cache
	_, err = c.ResolvePortalURL(context.Background(), srv.URL+"/stalker_portal/c/", "")
	require.NoError(t, err)
	assert.Len(t, probed, 4)
}

func TestResolvePortalURLKeepsDirectEndpoint(t *testing.T) {
	c := New(testOptions(), nil)
	endpoint, err := c.ResolvePortalURL(context.Background(), "http://portal.example/stalker_portal/server/load.php", "")
	require.NoError(t, err)
	assert.Equal(t, "http://portal.example/stalker_portal/server/load.php", endpoint)
}

func TestResolvePortalURLFailsWithoutBootstrap(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(testOptions(), nil)
	_, err := c.ResolvePortalURL(context.Background(), srv.URL+"/c/", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
}

func TestParseBootstrapKeepsLastRepeatedGroup(t *testing.T) {
	cases := map[string]string{
		"http://portal.example/stalker_portal/c/xpcom.common.js": "http://portal.example/stalker_portal/server/load.php",
		"https://portal.example:8080/a/b/c/xpcom.common.js":      "https://portal.example:8080/a/b/server/load.php",
	}
	for scriptURL, want := range cases {
		t.Run(scriptURL, func(t *testing.T) {
			endpoint, err := parseBootstrap(scriptURL, bootstrapScript)
			require.NoError(t, err)
			assert.Equal(t, want, endpoint)
		})
	}
}

func TestResolvePortalURLDoesNotRetryUnparsableScript(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/c/xpcom.common.js" {
			http.NotFound(w, r)
			return
		}
		fetches.Add(1)
		fmt.Fprint(w, "var nothing = 1;")
	}))
	defer srv.Close()

	c := New(testOptions(), nil)
	_, err := c.ResolvePortalURL(context.Background(), srv.URL+"/c/", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.Equal(t, int32(1), fetches.Load())
}

func TestParseExpiry(t *testing.T) {
	cases := map[string]time.Time{
		"January 5, 2030, 12:00 am": time.Date(2030, 1, 5, 0, 0, 0, 0, time.UTC),
		"March 1, 2031, 3:30 PM":    time.Date(2031, 3, 1, 15, 30, 0, 0, time.UTC),
		"2030-06-01 10:00:00":       time.Date(2030, 6, 1, 10, 0, 0, 0, time.UTC),
		"1900000000":                time.Unix(1900000000, 0).UTC(),
	}
	for raw, want := range cases {
		got, ok := ParseExpiry(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}

	_, ok := ParseExpiry("Unlimited")
	assert.False(t, ok)
}
