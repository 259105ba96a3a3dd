package utils

import (
	"net/url"
	"strings"

	"stb-proxy/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// SanitizeChannelName turns a channel name into an identifier usable as an
// XMLTV channel id when the portal and the operator provide none.
func SanitizeChannelName(name string) string {
	sanitized := name
	replacements := map[string]string{
		" ":  "_",
		",":  "_",
		"\"": "",
		"'":  "",
		"/":  "_",
		"\\": "_",
		"?":  "_",
		"&":  "_",
		"=":  "_",
		":":  "_",
		";":  "_",
		"|":  "_",
		"*":  "_",
		"<":  "_",
		">":  "_",
	}

	for old, new := range replacements {
		sanitized = strings.ReplaceAll(sanitized, old, new)
	}

	// Remove consecutive underscores
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	return strings.Trim(sanitized, "_")
}

// ObfuscateURL keeps scheme and host and masks path, query and fragment.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// MaskMAC hides the device-specific half of a MAC address.
func MaskMAC(mac string) string {
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return mac
	}
	return strings.Join(parts[:3], ":") + ":**:**:**"
}

// LogMAC returns the MAC as-is, or masked when URL obfuscation is on.
func LogMAC(cfg *config.Config, mac string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return MaskMAC(mac)
	}
	return mac
}
