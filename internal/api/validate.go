package api

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var (
	errEmptyURL      = errors.New("url must not be empty")
	errMalformedURL  = errors.New("url is malformed, an absolute http(s) url is required")
	errUnsupportedIn = errors.New("unsupported platform, only youtube and bilibili urls are accepted")
)

// Recognized platform patterns. The external tool supports far more
// sites; allow_any_url widens acceptance to any http(s) URL.
var platformPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://(www\.)?youtube\.com/watch\?v=[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`^https?://(www\.)?youtube\.com/embed/[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`^https?://(m\.)?youtube\.com/watch\?v=[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`^https?://youtu\.be/[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`^https?://(www\.|m\.)?bilibili\.com/video/[a-zA-Z0-9]+`),
	regexp.MustCompile(`^https?://b23\.tv/[a-zA-Z0-9]+`),
}

func validateURL(raw string, allowAny bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errEmptyURL
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errMalformedURL
	}
	if allowAny {
		return nil
	}
	for _, pattern := range platformPatterns {
		if pattern.MatchString(raw) {
			return nil
		}
	}
	return errUnsupportedIn
}

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]+`)

const maxFilenameRunes = 100

// sanitizeFilename makes a title safe to use in a Content-Disposition
// attachment name. Truncation happens on rune boundaries so multi-byte
// titles never yield invalid UTF-8.
func sanitizeFilename(name string) string {
	cleaned := invalidFilenameChars.ReplaceAllString(name, "")
	cleaned = strings.Join(strings.Fields(cleaned), "_")
	if runes := []rune(cleaned); len(runes) > maxFilenameRunes {
		cleaned = string(runes[:maxFilenameRunes])
	}
	return cleaned
}
