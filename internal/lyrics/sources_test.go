package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lyricqueue/internal/logging"
)

func TestLRCLIBPrefersExactSyncedMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/get" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("track_name"); got != "Song" {
			t.Fatalf("track_name = %q", got)
		}
		_ = json.NewEncoder(w).Encode(lrclibRecord{SyncedLyrics: validLRC, PlainLyrics: "plain"})
	}))
	defer srv.Close()

	found, err := NewLRCLIB(srv.URL).Find(context.Background(), Track{Title: "Song (feat. X)", Artist: "A", DurationSeconds: 200})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !found.Synced || found.Text != validLRC || found.Source != "lrclib" {
		t.Fatalf("unexpected result %+v", found)
	}
}

func TestLRCLIBFallsBackToSearch(t *testing.T) {
	var terms []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/get":
			http.NotFound(w, r)
		case "/api/search":
			q := r.URL.Query().Get("q")
			terms = append(terms, q)
			if q == "Song" {
				_ = json.NewEncoder(w).Encode([]lrclibRecord{{PlainLyrics: "la la"}, {SyncedLyrics: validLRC}})
				return
			}
			_, _ = w.Write([]byte("[]"))
		}
	}))
	defer srv.Close()

	found, err := NewLRCLIB(srv.URL).Find(context.Background(), Track{Title: "Song", Artist: "A"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !found.Synced {
		t.Fatalf("expected synced result from search, got %+v", found)
	}
	if strings.Join(terms, "|") != "Song A|Song" {
		t.Fatalf("search terms = %v", terms)
	}
}

func TestLRCLIBNotFoundAndServerError(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/get" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	defer empty.Close()
	if _, err := NewLRCLIB(empty.URL).Find(context.Background(), Track{Title: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer broken.Close()
	_, err := NewLRCLIB(broken.URL).Find(context.Background(), Track{Title: "x"})
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected source failure, got %v", err)
	}
}

func TestResearchParsesFencedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Fatalf("missing auth header")
		}
		var req chatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "chat" || len(req.Messages) != 2 {
			t.Fatalf("unexpected request %+v", req)
		}
		content := "```lrc\n" + validLRC + "\n```"
		if strings.Contains(req.Messages[1].Content, "Unknown") {
			content = notFoundMarker
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]string{"content": content}}},
		})
	}))
	defer srv.Close()

	research := NewResearch(NewGroqClient(srv.URL, "key", "chat", "whisper"))
	found, err := research.Find(context.Background(), Track{Title: "Song", Artist: "A"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Text != validLRC || !found.Synced {
		t.Fatalf("unexpected result %+v", found)
	}

	if _, err := research.Find(context.Background(), Track{Title: "Unknown"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTranscribeBuildsLRCFromSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.FormValue("response_format") != "verbose_json" || r.FormValue("model") != "whisper" {
			t.Fatalf("unexpected form %v", r.MultipartForm.Value)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "audio" {
			t.Fatalf("file body = %q", data)
		}
		_, _ = w.Write([]byte(`{"text":"x","segments":[
			{"start":1.0,"text":" one"},{"start":2.5,"text":"two"},{"start":3.0,"text":"  "},
			{"start":4.25,"text":"three"},{"start":6,"text":"four"},{"start":65.5,"text":"five"}]}`))
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(audio, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := NewTranscribe(NewGroqClient(srv.URL, "key", "chat", "whisper"))
	found, err := tr.Find(context.Background(), Track{Title: "Song", AudioPath: audio})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := "[00:01.00] one\n[00:02.50] two\n[00:04.25] three\n[00:06.00] four\n[01:05.50] five"
	if found.Text != want || !found.Synced {
		t.Fatalf("unexpected result %q synced=%v", found.Text, found.Synced)
	}

	if _, err := tr.Find(context.Background(), Track{Title: "Song"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing audio should be ErrNotFound, got %v", err)
	}
}

type stubStrategy struct {
	name  string
	found Found
	err   error
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Find(context.Context, Track) (Found, error) {
	s.calls++
	return s.found, s.err
}

func TestGeneratorOrderAndStrictness(t *testing.T) {
	ctx := context.Background()
	plain := &stubStrategy{name: "plain", found: Found{Text: "just words", Source: "plain"}}
	synced := &stubStrategy{name: "synced", found: Found{Text: validLRC, Source: "synced"}}
	later := &stubStrategy{name: "later", found: Found{Text: validLRC, Source: "later"}}

	got, err := New(true, logging.Discard(), plain, synced, later).Generate(ctx, Track{Title: "t"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got.Source != "synced" || !got.Synced || later.calls != 0 {
		t.Fatalf("expected first valid source to win, got %+v later.calls=%d", got, later.calls)
	}

	got, err = New(false, logging.Discard(), plain).Generate(ctx, Track{Title: "t"})
	if err != nil || got.Synced || got.Text != "just words" {
		t.Fatalf("non-strict fallback = %+v err=%v", got, err)
	}

	if _, err := New(true, logging.Discard(), plain).Generate(ctx, Track{Title: "t"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("strict mode must reject plain text, got %v", err)
	}
}

func TestGeneratorSurfacesSourceFailure(t *testing.T) {
	boom := errors.New("upstream down")
	failing := &stubStrategy{name: "f", err: boom}
	empty := &stubStrategy{name: "e", err: ErrNotFound}

	_, err := New(true, logging.Discard(), failing, empty).Generate(context.Background(), Track{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
	_, err = New(true, logging.Discard(), empty).Generate(context.Background(), Track{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
