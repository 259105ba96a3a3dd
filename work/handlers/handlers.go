package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"stb-proxy/work/config"
	"stb-proxy/work/guide"
	"stb-proxy/work/logger"
	"stb-proxy/work/occupancy"
	"stb-proxy/work/resolver"
	"stb-proxy/work/restream"
)

// maxLogBytes bounds the /log response.
const maxLogBytes = 512 * 1024

// Resolver finds a playable link for a channel.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (*resolver.Result, error)
}

// Relay streams a resolved link to the client.
type Relay interface {
	Serve(w http.ResponseWriter, r *http.Request, pb restream.Playback) restream.Outcome
}

// Documents renders the published channel documents.
type Documents interface {
	Playlist(ctx context.Context, opts guide.Options) ([]byte, error)
	XMLTV(ctx context.Context, opts guide.Options) ([]byte, error)
	Lineup(ctx context.Context, opts guide.Options) ([]guide.LineupEntry, error)
}

// Settings returns the current settings.
type Settings func() *config.Config

// HandlePlay serves /play/{sourceId}/{channelId}.
func HandlePlay(res Resolver, relay Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		sourceID, channelID := vars["sourceId"], vars["channelId"]
		web := r.URL.Query().Get("web") == "true"
		client := clientIP(r)

		logger.Info("{handlers/handlers - HandlePlay} IP(%s) requested Source(%s):Channel(%s)", client, sourceID, channelID)

		result, err := res.Resolve(r.Context(), resolver.Request{
			SourceID:  sourceID,
			ChannelID: channelID,
			Client:    client,
			Web:       web,
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("{handlers/handlers - HandlePlay} Source(%s):Channel(%s): %v", sourceID, channelID, err)
			}
			http.Error(w, "No streams available", http.StatusServiceUnavailable)
			return
		}

		relay.Serve(w, r, restream.Playback{
			Link:        result.Link,
			Proxy:       result.Proxy,
			SourceID:    result.Source.ID,
			SourceName:  result.Source.Name,
			AccountMAC:  result.Account.MAC,
			ChannelID:   result.ChannelID,
			ChannelName: result.ChannelName,
			Client:      client,
			Web:         web,
			Lease:       result.Lease,
		})
	}
}

// HandleStreaming returns the occupancy snapshot.
func HandleStreaming(registry *occupancy.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, registry.Snapshot())
	}
}

// HandlePlaylist serves the M3U playlist.
func HandlePlaylist(docs Documents, settings Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := docs.Playlist(r.Context(), guide.OptionsFromConfig(settings()))
		if err != nil {
			logger.Error("{handlers/handlers - HandlePlaylist} Failed to generate playlist: %v", err)
			http.Error(w, "Failed to generate playlist", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-mpegURL")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(body)
	}
}

// HandleXMLTV serves the programme guide.
func HandleXMLTV(docs Documents, settings Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := docs.XMLTV(r.Context(), guide.OptionsFromConfig(settings()))
		if err != nil {
			logger.Error("{handlers/handlers - HandleXMLTV} Failed to generate guide: %v", err)
			http.Error(w, "Failed to generate guide", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Write(body)
	}
}

// HandleLog returns the tail of the log file.
func HandleLog(settings Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := tailFile(settings().LogPath(), maxLogBytes)
		if err != nil {
			logger.Error("{handlers/handlers - HandleLog} Failed to read log: %v", err)
			http.Error(w, "Failed to read log", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(body)
	}
}

// tailFile reads at most limit bytes from the end of path. A missing file
// reads as empty.
func tailFile(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset := info.Size() - limit; offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek log: %w", err)
		}
	}
	return io.ReadAll(f)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} Failed to encode response: %v", err)
	}
}
