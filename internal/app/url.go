package app

import (
	"net/url"
	"strings"
)

// MaxURLLength bounds the size of a URL accepted from clients.
const MaxURLLength = 2048

// NormalizeURL trims whitespace and adds an https scheme when the input has none.
func NormalizeURL(input string) string {
	trimmed := strings.TrimSpace(input)
	if looksLikeURL(trimmed) {
		return trimmed
	}
	return "https://" + trimmed
}

// IsValidURL reports whether the scheme-normalized input parses as an absolute http(s) URL.
func IsValidURL(input string) bool {
	if strings.TrimSpace(input) == "" {
		return false
	}
	u, err := url.Parse(NormalizeURL(input))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return false
	}
	return u.Host != ""
}

// DetectPlatform classifies the trimmed input against the platform table.
func DetectPlatform(input string) (Platform, bool) {
	return platforms.match(strings.TrimSpace(input))
}

func looksLikeURL(input string) bool {
	return strings.HasPrefix(strings.ToLower(input), "http")
}
