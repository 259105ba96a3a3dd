package client

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Stalker set-top box identity sent on every portal call.
const (
	STBUserAgent  = "Mozilla/5.0 (QtEmbedded; U; Linux; C)"
	STBXUserAgent = "Model: MAG250; Link: WiFi"
	STBLanguage   = "en"
	STBTimezone   = "Europe/London"
)

// HeaderSettingClient wraps http.Client to set the set-top box headers and the
// MAC cookies portals require. One client exists per outbound proxy.
type HeaderSettingClient struct {
	Client *http.Client
}

// Pool hands out one HeaderSettingClient per outbound proxy so connections to
// the same portal through the same proxy are reused.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*HeaderSettingClient
	timeout time.Duration
}

// NewPool creates a client pool whose clients give up on a whole request after
// timeout. A zero timeout leaves requests bounded only by their context.
func NewPool(timeout time.Duration) *Pool {
	return &Pool{
		clients: make(map[string]*HeaderSettingClient),
		timeout: timeout,
	}
}

// Get returns the client for the given proxy URL ("" for a direct connection).
func (p *Pool) Get(proxy string) (*HeaderSettingClient, error) {
	p.mu.RLock()
	c, ok := p.clients[proxy]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[proxy]; ok {
		return c, nil
	}

	c, err := NewHeaderSettingClient(proxy, p.timeout)
	if err != nil {
		return nil, err
	}
	p.clients[proxy] = c
	return c, nil
}

// NewHeaderSettingClient builds a client routed through proxy when it is set.
func NewHeaderSettingClient(proxy string, timeout time.Duration) (*HeaderSettingClient, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
	}

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", proxy)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// Do sends a request with the set-top box user agent and no portal session.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", STBUserAgent)
	req.Header.Set("Accept", "*/*")
	return hsc.Client.Do(req)
}

// DoPortal sends a portal API request as the given MAC. token may be empty for
// the handshake.
func (hsc *HeaderSettingClient) DoPortal(req *http.Request, mac, token string) (*http.Response, error) {
	SetPortalHeaders(req, mac, token)
	return hsc.Client.Do(req)
}

// SetPortalHeaders applies the cookies and headers of a MAG set-top box.
func SetPortalHeaders(req *http.Request, mac, token string) {
	req.Header.Set("User-Agent", STBUserAgent)
	req.Header.Set("X-User-Agent", STBXUserAgent)
	req.Header.Set("Accept", "*/*")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.AddCookie(&http.Cookie{Name: "mac", Value: mac})
	req.AddCookie(&http.Cookie{Name: "stb_lang", Value: STBLanguage})
	req.AddCookie(&http.Cookie{Name: "timezone", Value: STBTimezone})
}

// CustomResponseWriter wraps http.ResponseWriter to track headers and implement Flusher
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

// NewCustomResponseWriter wraps w for streaming output.
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
		WroteHeader:    false,
		statusCode:     0,
	}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	// Set default headers
	crw.Header().Set("Cache-Control", "no-cache")
	crw.Header().Set("Connection", "keep-alive")

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

// Write writes a chunk and flushes it so the client receives it immediately
func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	n, err := crw.ResponseWriter.Write(b)
	if err == nil {
		crw.Flush()
	}
	return n, err
}

// Implement http.Flusher interface
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// StatusCode returns the status written so far, 0 when nothing was written.
func (crw *CustomResponseWriter) StatusCode() int {
	return crw.statusCode
}
