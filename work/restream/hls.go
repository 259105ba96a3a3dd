package restream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
)

const playlistHeader = "#EXTM3U"

// shouldCheckForPlaylist reports whether an upstream response may be an HLS
// playlist rather than a raw transport stream.
func shouldCheckForPlaylist(resp *http.Response, body *bufio.Reader) bool {
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "mpegurl") || strings.Contains(contentType, "m3u8") {
		return true
	}

	head, _ := body.Peek(len(playlistHeader))
	return bytes.Equal(head, []byte(playlistHeader))
}

// playlistTarget decodes an HLS playlist and returns the URL ffmpeg should
// read: the highest-bandwidth variant of a master playlist, or the playlist
// itself for a media playlist.
func playlistTarget(body io.Reader, playlistURL string) (string, error) {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(body), true)
	if err != nil {
		return "", fmt.Errorf("failed to decode playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return playlistURL, nil
	}

	master := playlist.(*m3u8.MasterPlaylist)
	var best *m3u8.Variant
	for _, variant := range master.Variants {
		if variant == nil {
			break
		}
		if best == nil || variant.Bandwidth > best.Bandwidth {
			best = variant
		}
	}
	if best == nil {
		return "", errors.New("master playlist has no variants")
	}
	return resolveReference(playlistURL, best.URI), nil
}

// resolveReference resolves a variant URI against the playlist URL. Absolute
// URIs are returned unchanged.
func resolveReference(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}
