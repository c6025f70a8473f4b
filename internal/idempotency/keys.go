// Package idempotency derives the deterministic keys that collapse
// equivalent enqueue requests onto one job row.
package idempotency

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MaintenanceYTDLPKey is the singleton key for the downloader tool update job.
const MaintenanceYTDLPKey = "maintenance_update_ytdlp"

// NormalizeURL rewrites a media locator into a canonical form so that
// cosmetically different URLs for one resource produce the same key.
// The query string is dropped except for the YouTube video id.
// Input that does not parse as an absolute URL is returned trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	query := ""

	switch {
	case host == "youtu.be":
		if id := strings.Trim(path, "/"); id != "" {
			host, path = "youtube.com", "/watch"
			query = url.Values{"v": {id}}.Encode()
		}
	case isYouTube(host):
		if v := u.Query().Get("v"); v != "" {
			query = url.Values{"v": {v}}.Encode()
		}
	}

	out := scheme + "://" + host + path
	if query != "" {
		out += "?" + query
	}
	return out
}

func isYouTube(host string) bool {
	return host == "youtube.com" || strings.HasSuffix(host, ".youtube.com")
}

// IngestKey is the key for acquiring media from a locator.
func IngestKey(rawURL string) string {
	sum := md5.Sum([]byte(NormalizeURL(rawURL)))
	return "ingest_" + hex.EncodeToString(sum[:])
}

// LyricsKey is the key for the generate job chained after acquisition.
func LyricsKey(songID int64) string {
	return fmt.Sprintf("lyrics_%d", songID)
}

// LegacyLyricsKeyPrefix prefixes LegacyLyricsKey.
const LegacyLyricsKeyPrefix = "lyrics_legacy_migrate_"

// LegacyLyricsKey is the key for backfilling lyrics stored before
// synchronized text was required.
func LegacyLyricsKey(songID int64) string {
	return fmt.Sprintf("%s%d", LegacyLyricsKeyPrefix, songID)
}

// RetryLyricsKey is the key for a manual lyric retry. It is unique per second.
func RetryLyricsKey(songID int64, at time.Time) string {
	return fmt.Sprintf("lyrics_retry_%d_%d", songID, at.Unix())
}
