package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const ytdlpPrintTemplate = "after_move:%(.{id,title,track,artist,uploader,duration,thumbnail,filepath})j"

// YTDLP extracts audio from hosted pages with the yt-dlp binary.
type YTDLP struct {
	binary  string
	dir     string
	timeout time.Duration
}

type ytdlpInfo struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Track     string  `json:"track"`
	Artist    string  `json:"artist"`
	Uploader  string  `json:"uploader"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
	Filepath  string  `json:"filepath"`
}

// NewYTDLP creates an extractor saving mp3 files into dir.
func NewYTDLP(binary, dir string, timeout time.Duration) *YTDLP {
	if binary == "" {
		binary = "yt-dlp"
	}
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &YTDLP{binary: binary, dir: dir, timeout: timeout}
}

// Acquire implements Acquirer.
func (y *YTDLP) Acquire(ctx context.Context, sourceURL string) (Media, error) {
	if err := os.MkdirAll(y.dir, 0o755); err != nil {
		return Media{}, fmt.Errorf("create media dir: %w", err)
	}
	out, err := y.run(ctx,
		"--no-playlist",
		"--restrict-filenames",
		"--format", "bestaudio/best",
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", "192K",
		"--output", filepath.Join(y.dir, "%(id)s.%(ext)s"),
		"--no-simulate",
		"--print", ytdlpPrintTemplate,
		"--", sourceURL,
	)
	if err != nil {
		return Media{}, err
	}

	info, err := parseYTDLPOutput(out)
	if err != nil {
		return Media{}, err
	}
	if info.Filepath == "" {
		return Media{}, fmt.Errorf("yt-dlp reported no output file for %s", sourceURL)
	}

	title := info.Track
	if title == "" {
		title = info.Title
	}
	artist := info.Artist
	if artist == "" {
		artist = info.Uploader
	}
	abs, err := filepath.Abs(info.Filepath)
	if err != nil {
		abs = info.Filepath
	}
	return Media{
		FilePath:        abs,
		Title:           title,
		Artist:          artist,
		DurationSeconds: int(info.Duration),
		CoverURL:        info.Thumbnail,
		SourceURL:       sourceURL,
	}, nil
}

// Version returns the installed yt-dlp version string.
func (y *YTDLP) Version(ctx context.Context) (string, error) {
	out, err := y.run(ctx, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (y *YTDLP) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 400 {
			msg = msg[len(msg)-400:]
		}
		return nil, fmt.Errorf("yt-dlp %s: %w: %s", args[0], err, msg)
	}
	return stdout.Bytes(), nil
}

// parseYTDLPOutput takes the last JSON line; yt-dlp may log before it.
func parseYTDLPOutput(out []byte) (ytdlpInfo, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var info ytdlpInfo
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			return ytdlpInfo{}, fmt.Errorf("decode yt-dlp metadata: %w", err)
		}
		return info, nil
	}
	return ytdlpInfo{}, fmt.Errorf("yt-dlp printed no metadata")
}
