package middleware

import (
	"net/http"

	"stb-proxy/work/config"
	"stb-proxy/work/logger"
)

// BasicAuth guards a route with the credentials from the settings. It lets
// every request through while security is disabled. Settings are read per
// request so changes apply without a restart.
func BasicAuth(settings func() *config.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := settings()
		if !cfg.EnableSecurity {
			next(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if ok && cfg.CheckCredentials(username, password) {
			next(w, r)
			return
		}

		if ok {
			logger.Warn("{middleware/auth - BasicAuth} Rejected credentials for %s from %s", r.URL.Path, r.RemoteAddr)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="STB-Proxy"`)
		http.Error(w, "Could not verify your login!", http.StatusUnauthorized)
	}
}
