package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stb-proxy/work/cache"
	"stb-proxy/work/client"
	"stb-proxy/work/config"
	"stb-proxy/work/database"
	"stb-proxy/work/guide"
	"stb-proxy/work/handlers"
	"stb-proxy/work/logger"
	"stb-proxy/work/middleware"
	"stb-proxy/work/occupancy"
	"stb-proxy/work/pool"
	"stb-proxy/work/portal"
	"stb-proxy/work/resolver"
	"stb-proxy/work/restream"
	"stb-proxy/work/tester"
	"stb-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

const defaultPort = "8001"

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// Set up logging
	logFile, err := logger.Configure(logger.Options{Level: cfg.LogLevel(), LogFile: cfg.LogPath()})
	if err != nil {
		logger.Error("{main - main} %v, logging to stdout only", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	// Open the source/account store
	db, err := database.Open(cfg.DatabasePath())
	if err != nil {
		logger.Error("{main - main} Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main - main} Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	// Initialize cache
	cacheInstance := cache.NewCache(cfg.CacheDuration)

	// Core: occupancy, accounts, portal, resolution and relay
	registry := occupancy.NewRegistry()
	accounts := pool.New(registry, db, pool.OptionsFromConfig(cfg))
	portalClient := portal.New(portal.OptionsFromConfig(cfg), cacheInstance)
	linkResolver := resolver.New(portalClient, accounts, db, tester.NewFFProbe(), cacheInstance, resolver.OptionsFromConfig(cfg))
	relay := restream.New(accounts, client.NewPool(0), restream.OptionsFromConfig(cfg))
	documents := guide.NewBuilder(portalClient, db, workerPool, cacheInstance)

	router := setupRoutes(linkResolver, relay, documents, registry)

	setupAdminRoutes(router, &adminAPI{
		db:       db,
		cache:    cacheInstance,
		portal:   portalClient,
		catalogs: documents,
		workers:  workerPool,
		registry: registry,
		settings: config.LoadConfig,
	})

	addr := ":" + listenPort(cfg.Host)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("{main - main} Starting STB-Proxy %s", Version)
	logger.Info("{main - main} Server configuration:")
	logger.Info("{main - main}   - Host: %s", cfg.Host)
	logger.Info("{main - main}   - Listen: %s", addr)
	logger.Info("{main - main}   - Config Dir: %s", cfg.ConfigDir)
	logger.Info("{main - main}   - Stream Method: %s", cfg.StreamMethod)
	logger.Info("{main - main}   - Stream Timeout: %s", cfg.StreamTimeout)
	logger.Info("{main - main}   - Test Streams: %v", cfg.TestStreams)
	logger.Info("{main - main}   - Short Stream Threshold: %s", cfg.ShortStreamThreshold)
	logger.Info("{main - main}   - Account Wait Policy: %s", cfg.AccountWaitPolicy)
	logger.Info("{main - main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - main}   - Cache Duration: %s", cfg.CacheDuration)
	logger.Info("{main - main}   - Security Enabled: %v", cfg.EnableSecurity)
	logger.Info("{main - main}   - HDHR Enabled: %v", cfg.EnableHDHR)
	logger.Info("{main - main}   - Debug Enabled: %v", cfg.Debug)
	logger.Info("{main - main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)
	logger.Info("{main - main}   - Playlist: %s", utils.LogURL(cfg, "http://"+cfg.Host+"/playlist.m3u"))

	// shut down cleanly on a signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{main - main} Server failed to start: %v", err)
		}
	case sig := <-stop:
		logger.Info("{main - main} Received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("{main - main} Graceful shutdown incomplete: %v", err)
		}
	}
}

// setupRoutes registers the playback, document, HDHomeRun and metrics routes.
func setupRoutes(res handlers.Resolver, relay handlers.Relay, docs handlers.Documents, registry *occupancy.Registry) *mux.Router {
	settings := handlers.Settings(config.LoadConfig)
	secured := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.BasicAuth(settings, middleware.GzipMiddleware(h))
	}

	router := mux.NewRouter()

	// Channel stream handler, left open so players can follow playlist URLs
	router.HandleFunc("/play/{sourceId}/{channelId}", handlers.HandlePlay(res, relay)).Methods("GET")

	router.HandleFunc("/streaming", secured(handlers.HandleStreaming(registry))).Methods("GET")
	router.HandleFunc("/playlist.m3u", secured(handlers.HandlePlaylist(docs, settings))).Methods("GET")
	router.HandleFunc("/xmltv", secured(handlers.HandleXMLTV(docs, settings))).Methods("GET")
	router.HandleFunc("/log", secured(handlers.HandleLog(settings))).Methods("GET")

	// HDHomeRun emulation
	router.HandleFunc("/discover.json", middleware.GzipMiddleware(handlers.HandleDiscover(settings))).Methods("GET")
	router.HandleFunc("/lineup_status.json", middleware.GzipMiddleware(handlers.HandleLineupStatus(settings))).Methods("GET")
	router.HandleFunc("/lineup.json", middleware.GzipMiddleware(handlers.HandleLineup(docs, settings))).Methods("GET")
	router.HandleFunc("/lineup.post", handlers.HandleLineupPost(settings)).Methods("GET", "POST")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// listenPort takes the port from the public host, defaulting to 8001.
func listenPort(host string) string {
	if _, port, err := net.SplitHostPort(host); err == nil && port != "" {
		return port
	}
	return defaultPort
}
