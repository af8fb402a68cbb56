package downloader

import "strings"

// ToolError is a failure reported by the external tool. Message is the
// normalized user-facing text; Output keeps the raw diagnostics for logs.
type ToolError struct {
	Message string
	Output  string
}

func (e *ToolError) Error() string { return e.Message }

// Canned user-facing messages for recognized failure causes.
const (
	MsgVideoUnavailable  = "the video does not exist or has been removed"
	MsgPrivateVideo      = "the video is private and cannot be accessed"
	MsgRegionRestricted  = "the video is not available in this region"
	MsgFormatUnavailable = "the requested format is not available"
	MsgAgeRestricted     = "the video requires sign-in to confirm age"
	MsgPaymentRequired   = "the video requires payment to watch"
	MsgLiveStream        = "live streams are not supported"
	MsgNetworkError      = "network error while contacting the video site, try again later"
	MsgAccessDenied      = "access denied by the video site"
	MsgTooManyRequests   = "the video site is rate limiting requests, try again later"
	MsgUnsupportedURL    = "the URL points to an unsupported site"
	MsgArtifactMissing   = "download reported success but no file was produced"
	MsgUnknown           = "download failed for an unknown reason"
)

// knownCauses maps substrings of the tool's diagnostics to canned
// messages. Text scraping is fragile, so all of it lives in this one
// table and nowhere else. Order matters: first match wins.
var knownCauses = []struct {
	substr  string
	message string
}{
	{"video unavailable", MsgVideoUnavailable},
	{"this video has been removed", MsgVideoUnavailable},
	{"video removed", MsgVideoUnavailable},
	{"http error 404", MsgVideoUnavailable},
	{"private video", MsgPrivateVideo},
	{"not available in your country", MsgRegionRestricted},
	{"blocked in your country", MsgRegionRestricted},
	{"geographic restriction", MsgRegionRestricted},
	{"region locked", MsgRegionRestricted},
	{"requested format is not available", MsgFormatUnavailable},
	{"requested format not available", MsgFormatUnavailable},
	{"no video formats found", MsgFormatUnavailable},
	{"no suitable formats", MsgFormatUnavailable},
	{"sign in to confirm your age", MsgAgeRestricted},
	{"requires payment", MsgPaymentRequired},
	{"live stream", MsgLiveStream},
	{"http error 403", MsgAccessDenied},
	{"http error 429", MsgTooManyRequests},
	{"unsupported url", MsgUnsupportedURL},
	{"connection timed out", MsgNetworkError},
	{"connection refused", MsgNetworkError},
	{"network error", MsgNetworkError},
	{"timed out", MsgNetworkError},
}

// TranslateToolOutput normalizes raw tool diagnostics into a
// user-presentable message. Unknown output passes through trimmed so no
// failure is silently swallowed; the result is never empty.
func TranslateToolOutput(output string) string {
	lowered := strings.ToLower(output)
	for _, cause := range knownCauses {
		if strings.Contains(lowered, cause.substr) {
			return cause.message
		}
	}
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return MsgUnknown
	}
	// keep only the last line; yt-dlp prefixes errors with noise
	if idx := strings.LastIndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = strings.TrimSpace(trimmed[idx+1:])
	}
	trimmed = strings.TrimPrefix(trimmed, "ERROR: ")
	if trimmed == "" {
		return MsgUnknown
	}
	return trimmed
}
