package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stb-proxy/work/config"
)

func okHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, body)
	}
}

func TestGzipCompressesWhenAccepted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	rec := httptest.NewRecorder()

	GzipMiddleware(okHandler("#EXTM3U\n"))(rec, req)

	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", rec.Header().Get("Vary"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(body))
}

func TestGzipPassesThroughWithoutAcceptEncoding(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil)
	rec := httptest.NewRecorder()

	GzipMiddleware(okHandler("plain"))(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "plain", rec.Body.String())
}

func securedConfig(t *testing.T, enabled bool) func() *config.Config {
	t.Helper()
	cfg := &config.Config{EnableSecurity: enabled, Username: "admin"}
	require.NoError(t, cfg.SetPassword("secret"))
	return func() *config.Config { return cfg }
}

func TestBasicAuth(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		user     string
		password string
		setAuth  bool
		want     int
	}{
		{name: "security disabled", enabled: false, want: http.StatusOK},
		{name: "missing credentials", enabled: true, want: http.StatusUnauthorized},
		{name: "wrong password", enabled: true, setAuth: true, user: "admin", password: "nope", want: http.StatusUnauthorized},
		{name: "wrong user", enabled: true, setAuth: true, user: "root", password: "secret", want: http.StatusUnauthorized},
		{name: "valid credentials", enabled: true, setAuth: true, user: "admin", password: "secret", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rec := httptest.NewRecorder()

			BasicAuth(securedConfig(t, tt.enabled), okHandler("ok"))(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}
}
