package downloader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Client drives the external yt-dlp binary. The tool is treated as an
// opaque subprocess: metadata comes back as JSON on one call path,
// progress as text lines on stdout on the other, and failures as a
// non-zero exit code plus stderr diagnostics.
type Client struct {
	Binary     string
	StagingDir string
	Proxy      string
}

// Metadata is the result of a metadata-only probe.
type Metadata struct {
	Title    string   `json:"title"`
	Duration string   `json:"duration"`
	Uploader string   `json:"uploader,omitempty"`
	Formats  []Format `json:"formats,omitempty"`
}

type Format struct {
	FormatID string `json:"format_id"`
	Quality  string `json:"quality"`
	Ext      string `json:"ext"`
	Filesize int64  `json:"filesize,omitempty"`
}

// Request describes one transfer. ID doubles as the staged file base
// name so the artifact can be located deterministically after exit.
type Request struct {
	ID     string
	URL    string
	Format string
	Audio  bool
}

type Result struct {
	Path string
	Size int64
}

func NewClient(binary, stagingDir, proxy string) *Client {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Client{Binary: binary, StagingDir: stagingDir, Proxy: proxy}
}

// rawInfo mirrors the subset of yt-dlp --dump-json output we consume.
type rawInfo struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	Uploader string  `json:"uploader"`
	Formats  []struct {
		FormatID   string `json:"format_id"`
		Height     int    `json:"height"`
		FormatNote string `json:"format_note"`
		Ext        string `json:"ext"`
		Filesize   int64  `json:"filesize"`
	} `json:"formats"`
}

// Probe extracts metadata without downloading. A probe failure means no
// task record should ever be created by the caller.
func (c *Client) Probe(ctx context.Context, url string) (*Metadata, error) {
	args := []string{"--dump-json", "--no-playlist", "--skip-download", "--no-warnings"}
	if c.Proxy != "" {
		args = append(args, "--proxy", c.Proxy)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &ToolError{Message: TranslateToolOutput(stderr.String()), Output: stderr.String()}
	}

	var info rawInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	meta := &Metadata{
		Title:    info.Title,
		Duration: formatDuration(int(info.Duration)),
		Uploader: info.Uploader,
		Formats:  dedupeFormats(info),
	}
	if meta.Title == "" {
		meta.Title = "Untitled"
	}
	return meta, nil
}

func dedupeFormats(info rawInfo) []Format {
	seen := make(map[string]struct{}, len(info.Formats))
	formats := make([]Format, 0, len(info.Formats))
	for _, f := range info.Formats {
		if f.FormatID == "" {
			continue
		}
		quality := f.FormatNote
		if f.Height > 0 {
			quality = fmt.Sprintf("%dp", f.Height)
		}
		if quality == "" {
			quality = f.FormatID
		}
		if _, ok := seen[quality]; ok {
			continue
		}
		seen[quality] = struct{}{}
		ext := f.Ext
		if ext == "" {
			ext = "mp4"
		}
		formats = append(formats, Format{FormatID: f.FormatID, Quality: quality, Ext: ext, Filesize: f.Filesize})
	}
	sort.Slice(formats, func(i, j int) bool {
		return qualityRank(formats[i].Quality) > qualityRank(formats[j].Quality)
	})
	return formats
}

var heightRe = regexp.MustCompile(`(\d+)p`)

func qualityRank(quality string) int {
	m := heightRe.FindStringSubmatch(quality)
	if m == nil {
		return 0
	}
	var h int
	fmt.Sscanf(m[1], "%d", &h)
	return h
}

// progressRe matches percentage tokens in yt-dlp's --newline output,
// e.g. "[download]  55.0% of 10.00MiB at 1.00MiB/s ETA 00:05".
var progressRe = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)

// Download runs the transfer, staging the artifact under the request ID.
// Progress lines lacking a parseable percentage are skipped silently;
// progress is telemetry, not a correctness signal.
func (c *Client) Download(ctx context.Context, req Request, onProgress func(string)) (Result, error) {
	if err := os.MkdirAll(c.StagingDir, 0o750); err != nil {
		return Result{}, fmt.Errorf("ensure staging dir: %w", err)
	}

	outTemplate := filepath.Join(c.StagingDir, req.ID+".%(ext)s")
	args := []string{"--newline", "--no-playlist", "--no-warnings", "-o", outTemplate}
	if c.Proxy != "" {
		args = append(args, "--proxy", c.Proxy)
	}
	if req.Audio {
		args = append(args, "-f", "bestaudio/best", "-x", "--audio-format", "mp3")
	} else {
		args = append(args, "-f", formatSelector(req.Format))
	}
	args = append(args, req.URL)

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", c.Binary, err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if m := progressRe.FindStringSubmatch(line); m != nil && onProgress != nil {
			onProgress(m[1] + "%")
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("download timed out: %w", ctx.Err())
		}
		output := stderr.String()
		log.Warn().Str("task_id", req.ID).Str("stderr", strings.TrimSpace(output)).Msg("external downloader failed")
		return Result{}, &ToolError{Message: TranslateToolOutput(output), Output: output}
	}

	return c.locateArtifact(req.ID)
}

// locateArtifact finds the single staged file named after the task id.
// Exit 0 with no artifact is a failure, never a silent completion.
func (c *Client) locateArtifact(id string) (Result, error) {
	matches, err := filepath.Glob(filepath.Join(c.StagingDir, id+".*"))
	if err != nil {
		return Result{}, fmt.Errorf("scan staging dir: %w", err)
	}
	var candidates []string
	for _, m := range matches {
		// yt-dlp leaves .part files behind on interrupted transfers
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) != 1 {
		return Result{}, &ToolError{Message: MsgArtifactMissing, Output: fmt.Sprintf("expected one artifact for %s, found %d", id, len(candidates))}
	}
	info, err := os.Stat(candidates[0])
	if err != nil {
		return Result{}, fmt.Errorf("stat artifact: %w", err)
	}
	return Result{Path: candidates[0], Size: info.Size()}, nil
}

// formatSelector builds a yt-dlp format expression with fallbacks, so a
// quality the video lacks degrades instead of failing outright.
func formatSelector(quality string) string {
	if quality == "" || quality == "best" {
		return "best/bestvideo+bestaudio/bestvideo/best"
	}
	height := strings.TrimSuffix(quality, "p")
	if _, ok := parsePositiveInt(height); !ok {
		return "best/bestvideo+bestaudio/bestvideo/best"
	}
	return fmt.Sprintf("best[height<=%s]/bestvideo[height<=%s]+bestaudio/best", height, height)
}

func parsePositiveInt(s string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func formatDuration(seconds int) string {
	if seconds <= 0 {
		return ""
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
