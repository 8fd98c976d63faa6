package fetch

import (
	"net/url"
	"strings"
)

// Platform is a known social network.
type Platform string

const (
	PlatformThreads   Platform = "threads"
	PlatformTwitter   Platform = "twitter"
	PlatformInstagram Platform = "instagram"
	PlatformUnknown   Platform = "unknown"
)

// DetectPlatform identifies the network hosting urlStr.
func DetectPlatform(urlStr string) Platform {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return PlatformUnknown
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")

	switch {
	case host == "threads.net" || host == "threads.com" || strings.HasSuffix(host, ".threads.net"):
		return PlatformThreads
	case host == "x.com" || host == "twitter.com" || strings.HasSuffix(host, ".twitter.com"):
		return PlatformTwitter
	case host == "instagram.com" || strings.HasSuffix(host, ".instagram.com"):
		return PlatformInstagram
	}
	return PlatformUnknown
}

// ItemSelector returns the element selector that isolates one post on the platform.
func ItemSelector(platform Platform) string {
	switch platform {
	case PlatformThreads:
		return "div[data-pressable-container='true']"
	case PlatformTwitter:
		return "article[data-testid='tweet']"
	case PlatformInstagram:
		return "article"
	default:
		return DefaultItemSelector
	}
}

// NeedsBrowser reports whether the platform only renders posts client-side.
func NeedsBrowser(platform Platform) bool {
	switch platform {
	case PlatformThreads, PlatformTwitter, PlatformInstagram:
		return true
	}
	return false
}
