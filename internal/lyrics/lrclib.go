package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// LRCLIB looks lyrics up in an LRCLIB-compatible database.
type LRCLIB struct {
	httpClient *http.Client
	baseURL    string
}

type lrclibRecord struct {
	ID           int64   `json:"id"`
	TrackName    string  `json:"trackName"`
	ArtistName   string  `json:"artistName"`
	Duration     float64 `json:"duration"`
	PlainLyrics  string  `json:"plainLyrics"`
	SyncedLyrics string  `json:"syncedLyrics"`
}

// NewLRCLIB creates a client for the database at baseURL.
func NewLRCLIB(baseURL string) *LRCLIB {
	return &LRCLIB{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (l *LRCLIB) Name() string { return "lrclib" }

// Find tries an exact signature lookup first, then free-text searches from
// the most to the least specific term. Synced results win over plain ones.
func (l *LRCLIB) Find(ctx context.Context, track Track) (Found, error) {
	var plain string

	rec, err := l.get(ctx, track)
	switch {
	case err == nil:
		if rec.SyncedLyrics != "" {
			return Found{Text: rec.SyncedLyrics, Synced: true, Source: l.Name()}, nil
		}
		plain = rec.PlainLyrics
	case !errors.Is(err, ErrNotFound):
		return Found{}, err
	}

	for _, term := range searchTerms(track) {
		records, err := l.search(ctx, term)
		if err != nil {
			return Found{}, err
		}
		for _, r := range records {
			if r.SyncedLyrics != "" {
				return Found{Text: r.SyncedLyrics, Synced: true, Source: l.Name()}, nil
			}
			if plain == "" {
				plain = r.PlainLyrics
			}
		}
	}

	if plain != "" {
		return Found{Text: plain, Source: l.Name()}, nil
	}
	return Found{}, ErrNotFound
}

func (l *LRCLIB) get(ctx context.Context, track Track) (lrclibRecord, error) {
	q := url.Values{}
	q.Set("track_name", CleanTitle(track.Title))
	q.Set("artist_name", track.Artist)
	if track.DurationSeconds > 0 {
		q.Set("duration", strconv.Itoa(track.DurationSeconds))
	}
	var rec lrclibRecord
	if err := l.getJSON(ctx, "/api/get?"+q.Encode(), &rec); err != nil {
		return lrclibRecord{}, err
	}
	return rec, nil
}

func (l *LRCLIB) search(ctx context.Context, term string) ([]lrclibRecord, error) {
	var records []lrclibRecord
	err := l.getJSON(ctx, "/api/search?"+url.Values{"q": {term}}.Encode(), &records)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return records, err
}

func (l *LRCLIB) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lrclib request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("lrclib read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lrclib error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("lrclib decode: %w", err)
	}
	return nil
}

func searchTerms(track Track) []string {
	candidates := []string{
		strings.TrimSpace(track.Title + " " + track.Artist),
		strings.TrimSpace(CleanTitle(track.Title) + " " + track.Artist),
		strings.TrimSpace(track.Title),
	}
	seen := make(map[string]bool, len(candidates))
	var terms []string
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		terms = append(terms, c)
	}
	return terms
}
