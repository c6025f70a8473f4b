// Package media fetches audio and artwork for library ingestion and mirrors
// the results to object storage.
package media

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Media describes an acquired audio file.
type Media struct {
	FilePath        string
	Title           string
	Artist          string
	DurationSeconds int
	CoverURL        string
	SourceURL       string
}

// Acquirer downloads audio for a source URL into local storage.
type Acquirer interface {
	Acquire(ctx context.Context, sourceURL string) (Media, error)
}

var audioExtensions = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
	".aac":  true,
	".opus": true,
	".webm": true,
	".mp4":  true,
}

// IsAudioFile reports whether name carries a cached audio extension.
func IsAudioFile(name string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(name))]
}

// Router sends direct audio links to a plain HTTP download and everything
// else to the extractor.
type Router struct {
	Direct    Acquirer
	Extractor Acquirer
}

// Acquire implements Acquirer.
func (r *Router) Acquire(ctx context.Context, sourceURL string) (Media, error) {
	if r.Direct != nil && isDirectAudio(sourceURL) {
		return r.Direct.Acquire(ctx, sourceURL)
	}
	return r.Extractor.Acquire(ctx, sourceURL)
}

func isDirectAudio(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return IsAudioFile(path.Base(u.Path))
}

var platformHosts = []struct {
	host     string
	platform string
}{
	{"youtube.com", "youtube"},
	{"youtu.be", "youtube"},
	{"music.youtube.com", "youtube"},
	{"spotify.com", "spotify"},
	{"soundcloud.com", "soundcloud"},
	{"music.apple.com", "apple"},
	{"tiktok.com", "tiktok"},
	{"instagram.com", "instagram"},
	{"facebook.com", "facebook"},
	{"fb.watch", "facebook"},
}

// Platform names the source a locator belongs to. Direct audio links
// report "direct". ok is false for anything ingestion cannot handle.
func Platform(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, p := range platformHosts {
		if host == p.host || strings.HasSuffix(host, "."+p.host) {
			return p.platform, true
		}
	}
	if IsAudioFile(path.Base(u.Path)) {
		return "direct", true
	}
	return "", false
}
