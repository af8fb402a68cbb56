package downloader

import (
	"strings"
	"testing"
)

func TestTranslateKnownCauses(t *testing.T) {
	cases := []struct {
		output string
		want   string
	}{
		{"ERROR: Video unavailable", MsgVideoUnavailable},
		{"ERROR: [youtube] abc: Private video. Sign in if you've been granted access", MsgPrivateVideo},
		{"ERROR: This video is not available in your country", MsgRegionRestricted},
		{"ERROR: Requested format is not available", MsgFormatUnavailable},
		{"ERROR: Sign in to confirm your age", MsgAgeRestricted},
		{"ERROR: This video requires payment to watch", MsgPaymentRequired},
		{"ERROR: HTTP Error 403: Forbidden", MsgAccessDenied},
		{"ERROR: HTTP Error 404: Not Found", MsgVideoUnavailable},
		{"ERROR: HTTP Error 429: Too Many Requests", MsgTooManyRequests},
		{"ERROR: Unsupported URL: https://example.org/x", MsgUnsupportedURL},
		{"urlopen error timed out", MsgNetworkError},
	}
	for _, tc := range cases {
		if got := TranslateToolOutput(tc.output); got != tc.want {
			t.Errorf("TranslateToolOutput(%q) = %q, want %q", tc.output, got, tc.want)
		}
	}
}

func TestTranslateUnknownPassesThrough(t *testing.T) {
	got := TranslateToolOutput("WARNING: something odd\nERROR: flux capacitor misaligned")
	if got != "flux capacitor misaligned" {
		t.Fatalf("expected raw fallback, got %q", got)
	}
}

func TestTranslateEmptyOutputNeverEmpty(t *testing.T) {
	if got := TranslateToolOutput(""); got != MsgUnknown {
		t.Fatalf("expected %q, got %q", MsgUnknown, got)
	}
	if got := TranslateToolOutput("   \n  "); got != MsgUnknown {
		t.Fatalf("expected %q for whitespace, got %q", MsgUnknown, got)
	}
}

func TestProgressLineParsing(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"[download]  10.0% of 10.00MiB at 1.00MiB/s ETA 00:09", "10.0%"},
		{"[download]  55% of ~20.00MiB", "55%"},
		{"[download] 100% of 10.00MiB in 00:10", "100%"},
	}
	for _, tc := range cases {
		m := progressRe.FindStringSubmatch(tc.line)
		if m == nil {
			t.Fatalf("no progress match in %q", tc.line)
		}
		if got := m[1] + "%"; got != tc.want {
			t.Errorf("line %q parsed as %q, want %q", tc.line, got, tc.want)
		}
	}
	if m := progressRe.FindStringSubmatch("[youtube] abc: Downloading webpage"); m != nil {
		t.Fatalf("unexpected progress match in non-progress line")
	}
}

func TestFormatSelector(t *testing.T) {
	if got := formatSelector("best"); !strings.HasPrefix(got, "best/") {
		t.Fatalf("unexpected selector for best: %q", got)
	}
	if got := formatSelector("720p"); !strings.Contains(got, "height<=720") {
		t.Fatalf("expected height cap in selector, got %q", got)
	}
	if got := formatSelector("garbage"); !strings.HasPrefix(got, "best/") {
		t.Fatalf("expected fallback selector for unparseable quality, got %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(125); got != "02:05" {
		t.Fatalf("expected 02:05, got %q", got)
	}
	if got := formatDuration(3725); got != "01:02:05" {
		t.Fatalf("expected 01:02:05, got %q", got)
	}
	if got := formatDuration(0); got != "" {
		t.Fatalf("expected empty for zero duration, got %q", got)
	}
}
