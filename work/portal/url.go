package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dlclark/regexp2"
	regexp "github.com/grafana/regexp"

	"stb-proxy/work/client"
	"stb-proxy/work/logger"
)

// bootstrapPaths are the locations of the portal's xpcom.common.js, probed in
// order.
var bootstrapPaths = []string{
	"/c/xpcom.common.js",
	"/client/xpcom.common.js",
	"/c_/xpcom.common.js",
	"/stalker_portal/c/xpcom.common.js",
	"/stalker_portal/c_/xpcom.common.js",
}

var (
	scriptPattern   = regexp.MustCompile(`varpattern.*\/(\(http.*)\/;`)
	scriptProtocol  = regexp.MustCompile(`this\.portal_protocol.*(\d).*;`)
	scriptIP        = regexp.MustCompile(`this\.portal_ip.*(\d).*;`)
	scriptPath      = regexp.MustCompile(`this\.portal_path.*(\d).*;`)
	scriptAjaxLoad  = regexp.MustCompile(`this\.ajax_loader=(.*\.php);`)
	scriptStripper  = strings.NewReplacer(" ", "", "'", "", "+", "")
	errNoBootstrap  = errors.New("no bootstrap script found")
	maxScriptLength = int64(4 << 20)
	patternTimeout  = time.Second
)

// ResolvePortalURL returns the API endpoint of the portal at rawURL. URLs that
// already point at a .php endpoint are returned unchanged. Otherwise the
// portal's bootstrap script is located and the endpoint is rebuilt from its
// ajax_loader template. Results are cached per rawURL.
func (c *Client) ResolvePortalURL(ctx context.Context, rawURL, proxy string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid portal url %q", rawURL)
	}
	if strings.HasSuffix(u.Path, ".php") {
		return rawURL, nil
	}

	if c.cache != nil {
		if endpoint, ok := c.cache.GetEndpoint(rawURL); ok {
			return endpoint, nil
		}
	}

	root := u.Scheme + "://" + u.Host
	endpoint, err := withRetry(ctx, c, "resolve_url", root, func(ctx context.Context) (string, error) {
		return c.probeBootstrap(ctx, root, proxy)
	})
	if err != nil {
		return "", err
	}

	logger.Debug("{portal/url - ResolvePortalURL} %s resolved to %s", root, endpoint)
	if c.cache != nil {
		c.cache.SetEndpoint(rawURL, endpoint)
	}
	return endpoint, nil
}

// probeBootstrap tries every bootstrap path and scrapes the first one that
// answers.
func (c *Client) probeBootstrap(ctx context.Context, root, proxy string) (string, error) {
	hc, err := c.clients.Get(proxy)
	if err != nil {
		return "", err
	}

	for _, path := range bootstrapPaths {
		script, ok := c.fetchScript(ctx, hc, root+path)
		if !ok {
			continue
		}
		endpoint, err := parseBootstrap(root+path, script)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		return endpoint, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", errNoBootstrap
}

func (c *Client) fetchScript(ctx context.Context, hc *client.HeaderSettingClient, target string) (string, bool) {
	c.limiterFor(target).Take()

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return "", false
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptLength))
	if err != nil {
		return "", false
	}
	return string(body), true
}

// parseBootstrap rebuilds the API endpoint from xpcom.common.js. The script
// matches its own URL against a pattern and assembles ajax_loader from the
// protocol, host and path groups; the same is done here against scriptURL.
// The portal's pattern relies on backtracking capture semantics, where a
// repeated group keeps its last iteration, so it runs on regexp2 rather than RE2.
func parseBootstrap(scriptURL, script string) (string, error) {
	js := scriptStripper.Replace(script)

	m := scriptPattern.FindStringSubmatch(js)
	if m == nil {
		return "", errors.New("url pattern not found in bootstrap script")
	}
	groups, err := matchPortalPattern(m[1], scriptURL)
	if err != nil {
		return "", err
	}

	group := func(re *regexp.Regexp, name string) (string, error) {
		idx := re.FindStringSubmatch(js)
		if idx == nil {
			return "", fmt.Errorf("%s index not found in bootstrap script", name)
		}
		n, err := strconv.Atoi(idx[1])
		if err != nil || n >= len(groups) {
			return "", fmt.Errorf("%s index %s out of range", name, idx[1])
		}
		return groups[n], nil
	}

	protocol, err := group(scriptProtocol, "protocol")
	if err != nil {
		return "", err
	}
	ip, err := group(scriptIP, "ip")
	if err != nil {
		return "", err
	}
	path, err := group(scriptPath, "path")
	if err != nil {
		return "", err
	}

	tmpl := scriptAjaxLoad.FindStringSubmatch(js)
	if tmpl == nil {
		return "", errors.New("ajax loader not found in bootstrap script")
	}

	endpoint := strings.NewReplacer(
		"this.portal_protocol", protocol,
		"this.portal_ip", ip,
		"this.portal_path", path,
	).Replace(tmpl[1])
	return endpoint, nil
}

// matchPortalPattern evaluates a portal-supplied pattern against s and returns
// the whole match followed by every numbered group.
func matchPortalPattern(pattern, s string) ([]string, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("bootstrap url pattern: %w", err)
	}
	re.MatchTimeout = patternTimeout

	match, err := re.FindStringMatch(s)
	if err != nil {
		return nil, fmt.Errorf("bootstrap url pattern: %w", err)
	}
	if match == nil {
		return nil, errors.New("bootstrap url pattern does not match")
	}

	groups := make([]string, match.GroupCount())
	for i := range groups {
		groups[i] = match.GroupByNumber(i).String()
	}
	return groups, nil
}
